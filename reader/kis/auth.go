package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "trendict/config"
	"trendict/logger"
)

// tokenEarlyRefresh is subtracted from the broker's expiry so a token is
// renewed before it actually lapses mid-request.
const tokenEarlyRefresh = 10 * time.Minute

// Auth issues and caches the two credentials the brokerage gateway hands
// out: a bearer token for REST quotation calls and an approval key for the
// realtime websocket. Both are cached until shortly before expiry.
type Auth struct {
	baseURL   string
	appKey    string
	appSecret string
	client    *http.Client
	limiter   *rate.Limiter
	log       *logger.Log

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	approvalKey string
}

func NewAuth(cfg *appconfig.Config) *Auth {
	return &Auth{
		baseURL:   cfg.KIS.BaseURL,
		appKey:    cfg.KIS.AppKey,
		appSecret: cfg.KIS.AppSecret,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(cfg.KIS.RequestsPerSecond), 1),
		log:       logger.GetLogger(),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// Token returns a cached bearer token, requesting a fresh one when the
// cache is empty or about to expire.
func (a *Auth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     a.appKey,
		"appsecret":  a.appSecret,
	}

	var resp tokenResponse
	if err := a.post(ctx, "/oauth2/tokenP", body, &resp); err != nil {
		return "", fmt.Errorf("request access token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}

	expiry := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.ExpiresIn > 0 {
		expiry = expiry.Add(-tokenEarlyRefresh)
	}

	a.mu.Lock()
	a.token = resp.AccessToken
	a.tokenExpiry = expiry
	a.mu.Unlock()

	a.log.WithComponent("kis_auth").WithFields(logger.Fields{
		"expires_in": resp.ExpiresIn,
	}).Info("access token issued")
	return resp.AccessToken, nil
}

// InvalidateToken drops the cached token so the next call requests a new
// one. Used when the gateway reports the token expired.
func (a *Auth) InvalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

// ApprovalKey returns the cached websocket approval key, requesting one on
// first use. The gateway keeps a key valid for the life of the session, so
// it is only refreshed after a reconnect asks for it again.
func (a *Auth) ApprovalKey(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.approvalKey != "" {
		key := a.approvalKey
		a.mu.Unlock()
		return key, nil
	}
	a.mu.Unlock()

	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     a.appKey,
		"secretkey":  a.appSecret,
	}

	var resp approvalResponse
	if err := a.post(ctx, "/oauth2/Approval", body, &resp); err != nil {
		return "", fmt.Errorf("request approval key: %w", err)
	}
	if resp.ApprovalKey == "" {
		return "", fmt.Errorf("empty approval key in response")
	}

	a.mu.Lock()
	a.approvalKey = resp.ApprovalKey
	a.mu.Unlock()

	a.log.WithComponent("kis_auth").Info("websocket approval key issued")
	return resp.ApprovalKey, nil
}

// InvalidateApprovalKey drops the cached key before a reconnect.
func (a *Auth) InvalidateApprovalKey() {
	a.mu.Lock()
	a.approvalKey = ""
	a.mu.Unlock()
}

func (a *Auth) post(ctx context.Context, path string, body map[string]string, out interface{}) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
