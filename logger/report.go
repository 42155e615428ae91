package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream   int64
	errorsStore    int64
	warnsStream    int64
	warnsStore     int64
	streamReads    int64
	storeWrites    int64
	framesDropped  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "dispatcher") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "store") {
		atomic.AddInt64(&warnsStore, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "dispatcher") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "store") {
		atomic.AddInt64(&errorsStore, 1)
	}
}

// IncrementStreamRead counts one frame received from the realtime feed.
func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel("stream_ws", size)
}

// IncrementStoreWrite counts one persisted slot write.
func IncrementStoreWrite(size int) {
	atomic.AddInt64(&storeWrites, 1)
	recordChannel("store_write", size)
}

// IncrementFrameDropped counts one frame discarded as noise.
func IncrementFrameDropped() {
	atomic.AddInt64(&framesDropped, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	memUsed := int64(0)
	if memStats != nil {
		memUsed = int64(memStats.Used) / 1024 / 1024
	}
	diskUsed := int64(0)
	if diskStats != nil {
		diskUsed = int64(diskStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_stream":  atomic.LoadInt64(&errorsStream),
		"errors_store":   atomic.LoadInt64(&errorsStore),
		"warns_stream":   atomic.LoadInt64(&warnsStream),
		"warns_store":    atomic.LoadInt64(&warnsStore),
		"stream_reads":   atomic.LoadInt64(&streamReads),
		"store_writes":   atomic.LoadInt64(&storeWrites),
		"frames_dropped": atomic.LoadInt64(&framesDropped),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      memUsed,
		"disk_mb":        diskUsed,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
