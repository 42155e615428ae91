package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "trendict/config"
	"trendict/internal/channel"
)

func testConfig(baseURL, wsURL string) *appconfig.Config {
	return &appconfig.Config{
		Channels: appconfig.ChannelsConfig{RawBuffer: 8, NormBuffer: 8},
		KIS: appconfig.KISConfig{
			BaseURL:           baseURL,
			WSURL:             wsURL,
			AppKey:            "test-key",
			AppSecret:         "test-secret",
			ReconnectDelay:    10 * time.Millisecond,
			RequestsPerSecond: 100,
			Subscriptions: []appconfig.SubscriptionConfig{
				{TrID: "H0STCNT0", Key: "102110"},
			},
		},
	}
}

func TestAuthTokenCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/tokenP" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["appkey"] != "test-key" || body["grant_type"] != "client_credentials" {
			t.Errorf("unexpected body %+v", body)
		}
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-1",
			"expires_in":   86400,
		})
	}))
	defer srv.Close()

	auth := NewAuth(testConfig(srv.URL, ""))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		token, err := auth.Token(ctx)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if token != "tok-1" {
			t.Fatalf("token = %s", token)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 token request, got %d", got)
	}

	auth.InvalidateToken()
	if _, err := auth.Token(ctx); err != nil {
		t.Fatalf("token after invalidate: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected refresh after invalidate, got %d calls", got)
	}
}

func TestAuthApprovalKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/Approval" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["secretkey"] != "test-secret" {
			t.Errorf("approval request must carry secretkey, got %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "appr-1"})
	}))
	defer srv.Close()

	auth := NewAuth(testConfig(srv.URL, ""))
	key, err := auth.ApprovalKey(context.Background())
	if err != nil {
		t.Fatalf("approval key: %v", err)
	}
	if key != "appr-1" {
		t.Fatalf("key = %s", key)
	}
}

func TestAuthErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	auth := NewAuth(testConfig(srv.URL, ""))
	if _, err := auth.Token(context.Background()); err == nil {
		t.Fatalf("expected error on non-200 status")
	}
}

func TestReaderStreamsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSubscribe := make(chan subscribeFrame, 1)

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub subscribeFrame
		if _, payload, err := conn.ReadMessage(); err == nil {
			json.Unmarshal(payload, &sub)
			gotSubscribe <- sub
		}

		// One heartbeat, then one data frame. The heartbeat must come
		// back verbatim.
		ping := `{"header":{"tr_id":"PINGPONG","datetime":"20250828090000"}}`
		conn.WriteMessage(websocket.TextMessage, []byte(ping))
		if _, echo, err := conn.ReadMessage(); err != nil || string(echo) != ping {
			t.Errorf("heartbeat not echoed: %s %v", echo, err)
		}

		conn.WriteMessage(websocket.TextMessage, []byte("0|H0STCNT0|001|102110^090312^410.25^0^0^0^0^0^0^0"))

		// Hold the session open until the client goes away.
		conn.ReadMessage()
	}))
	defer wsSrv.Close()

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "appr-1"})
	}))
	defer authSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(wsSrv.URL, "http")
	cfg := testConfig(authSrv.URL, wsURL)
	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	reader := NewReader(cfg, NewAuth(cfg), channels)

	ctx, cancel := context.WithCancel(context.Background())
	if err := reader.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reader.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	select {
	case sub := <-gotSubscribe:
		if sub.Header.ApprovalKey != "appr-1" || sub.Header.TrType != "1" || sub.Header.CustType != "P" {
			t.Fatalf("unexpected subscribe header %+v", sub.Header)
		}
		if sub.Body.Input.TrID != "H0STCNT0" || sub.Body.Input.TrKey != "102110" {
			t.Fatalf("unexpected subscribe input %+v", sub.Body.Input)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscribe frame never arrived")
	}

	select {
	case msg := <-channels.Raw:
		if !strings.HasPrefix(msg.Payload, "0|H0STCNT0|") {
			t.Fatalf("unexpected raw payload %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("data frame never reached the raw channel")
	}

	cancel()
	reader.Stop()
}
