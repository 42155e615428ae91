package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "trendict/config"
	"trendict/internal/channel"
	"trendict/logger"
	"trendict/models"
)

// Reader maintains the realtime websocket to the brokerage gateway. It
// subscribes the configured channels after each (re)connect, answers
// heartbeats, and forwards every data frame untouched onto the raw
// channel. Decoding happens downstream in the dispatcher.
type Reader struct {
	config   *appconfig.Config
	auth     *Auth
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewReader(cfg *appconfig.Config, auth *Auth, channels *channel.Channels) *Reader {
	return &Reader{
		config:   cfg,
		auth:     auth,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the stream worker.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("stream reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("kis_reader").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"ws_url":        r.config.KIS.WSURL,
		"subscriptions": len(r.config.KIS.Subscriptions),
	}).Info("starting stream reader")

	r.wg.Add(1)
	go r.stream()

	log.Info("stream reader started successfully")
	return nil
}

// Stop waits for the stream worker to exit.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("kis_reader").Info("stopping stream reader")
	r.wg.Wait()
	r.log.WithComponent("kis_reader").Info("stream reader stopped")
}

// subscribeFrame is the gateway's registration envelope. tr_type "1"
// registers, "2" unregisters.
type subscribeFrame struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		CustType    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

func newSubscribeFrame(approvalKey, trID, trKey string) subscribeFrame {
	var f subscribeFrame
	f.Header.ApprovalKey = approvalKey
	f.Header.CustType = "P"
	f.Header.TrType = "1"
	f.Header.ContentType = "utf-8"
	f.Body.Input.TrID = trID
	f.Body.Input.TrKey = trKey
	return f
}

func (r *Reader) stream() {
	defer r.wg.Done()

	log := r.log.WithComponent("kis_reader").WithFields(logger.Fields{"worker": "stream"})
	reconnectDelay := r.config.KIS.ReconnectDelay

	for {
		if r.ctx.Err() != nil {
			return
		}

		approvalKey, err := r.auth.ApprovalKey(r.ctx)
		if err != nil {
			log.WithError(err).Warn("failed to get approval key")
			if !r.sleep(reconnectDelay) {
				return
			}
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, r.config.KIS.WSURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket")
			if !r.sleep(reconnectDelay) {
				return
			}
			continue
		}

		if err := r.subscribe(conn, approvalKey); err != nil {
			log.WithError(err).Warn("failed to subscribe")
			conn.Close()
			if !r.sleep(reconnectDelay) {
				return
			}
			continue
		}

		log.WithFields(logger.Fields{"url": r.config.KIS.WSURL}).Info("websocket connected")

		// Unblock ReadMessage when the context is cancelled.
		done := make(chan struct{})
		go func() {
			select {
			case <-r.ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		r.readLoop(conn, log)
		close(done)
		conn.Close()

		if r.ctx.Err() != nil {
			return
		}

		// A dead session leaves the approval key in doubt; fetch a fresh
		// one on the next attempt.
		r.auth.InvalidateApprovalKey()
		log.WithFields(logger.Fields{"delay": reconnectDelay.String()}).Info("reconnecting")
		if !r.sleep(reconnectDelay) {
			return
		}
	}
}

func (r *Reader) subscribe(conn *websocket.Conn, approvalKey string) error {
	for _, sub := range r.config.KIS.Subscriptions {
		frame := newSubscribeFrame(approvalKey, sub.TrID, sub.Key)
		payload, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("marshal subscribe frame: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("send subscribe %s/%s: %w", sub.TrID, sub.Key, err)
		}

		r.log.WithComponent("kis_reader").WithFields(logger.Fields{
			"tr_id":  sub.TrID,
			"tr_key": sub.Key,
		}).Info("subscription registered")
	}
	return nil
}

func (r *Reader) readLoop(conn *websocket.Conn, log *logger.Entry) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil {
				log.WithError(err).Warn("websocket read failed")
			}
			return
		}

		raw := string(payload)

		// The gateway sends heartbeats as JSON; they must be echoed back
		// verbatim or the session is cut.
		if strings.HasPrefix(raw, "{") && strings.Contains(raw, "PINGPONG") {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).Warn("failed to answer heartbeat")
				return
			}
			continue
		}

		logger.IncrementStreamRead(len(payload))

		msg := models.RawMessage{Payload: raw, Received: time.Now().UTC()}
		if !r.channels.SendRaw(r.ctx, msg) {
			if r.ctx.Err() != nil {
				return
			}
			log.Warn("raw channel is full, dropping frame")
		}
	}
}

// sleep waits for the delay or the context, whichever ends first. Returns
// false when the context is done.
func (r *Reader) sleep(delay time.Duration) bool {
	select {
	case <-r.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
