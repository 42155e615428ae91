package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	appconfig "trendict/config"
	"trendict/logger"
	"trendict/models"
	"trendict/reader/kis"
)

const (
	trCurrentPrice = "FHKST01010100"
	trDailyChart   = "FHKST03010100"

	// Gateway code for an expired access token; one retry with a fresh
	// token is enough.
	codeTokenExpired = "EGW00123"
)

// Client pulls quotations from the brokerage REST gateway. It shares the
// auth cache with the stream reader so both surfaces ride one token.
type Client struct {
	baseURL string
	appKey  string
	secret  string
	auth    *kis.Auth
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewClient(cfg *appconfig.Config, auth *kis.Auth) *Client {
	return &Client{
		baseURL: cfg.KIS.BaseURL,
		appKey:  cfg.KIS.AppKey,
		secret:  cfg.KIS.AppSecret,
		auth:    auth,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.KIS.RequestsPerSecond), 1),
		log:     logger.GetLogger(),
	}
}

type gatewayResponse struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg     string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output2 json.RawMessage `json:"output2"`
}

type priceOutput struct {
	Price      string `json:"stck_prpr"`
	Change     string `json:"prdy_vrss"`
	ChangeRate string `json:"prdy_ctrt"`
	Open       string `json:"stck_oprc"`
	High       string `json:"stck_hgpr"`
	Low        string `json:"stck_lwpr"`
}

type dailyCandleOutput struct {
	Date  string `json:"stck_bsop_date"`
	Open  string `json:"stck_oprc"`
	Close string `json:"stck_clpr"`
	High  string `json:"stck_hgpr"`
	Low   string `json:"stck_lwpr"`
}

// CurrentPrice fetches the latest quotation for one instrument.
func (c *Client) CurrentPrice(ctx context.Context, symbol string) (models.QuoteSnapshot, error) {
	params := url.Values{}
	params.Set("fid_cond_mrkt_div_code", "J")
	params.Set("fid_input_iscd", symbol)

	var out priceOutput
	if err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-price", trCurrentPrice, params, &out, nil); err != nil {
		return models.QuoteSnapshot{}, fmt.Errorf("current price %s: %w", symbol, err)
	}

	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return models.QuoteSnapshot{}, fmt.Errorf("current price %s: bad price %q", symbol, out.Price)
	}
	change, _ := strconv.ParseFloat(out.Change, 64)
	changeRate, _ := strconv.ParseFloat(out.ChangeRate, 64)

	return models.QuoteSnapshot{
		Symbol:      symbol,
		Price:       price,
		Change:      change,
		ChangeRate:  changeRate,
		RetrievedAt: time.Now().UTC(),
	}, nil
}

// DailyCandles fetches up to the gateway's window of daily candles between
// the two dates (YYYYMMDD, inclusive) and returns chart rows in ascending
// date order.
func (c *Client) DailyCandles(ctx context.Context, symbol, from, to string) (models.ChartData, error) {
	params := url.Values{}
	params.Set("fid_cond_mrkt_div_code", "J")
	params.Set("fid_input_iscd", symbol)
	params.Set("fid_input_date_1", from)
	params.Set("fid_input_date_2", to)
	params.Set("fid_period_div_code", "D")
	params.Set("fid_org_adj_prc", "0")

	var rows []dailyCandleOutput
	if err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", trDailyChart, params, nil, &rows); err != nil {
		return models.ChartData{}, fmt.Errorf("daily candles %s: %w", symbol, err)
	}

	// The gateway returns newest first and pads short windows with empty
	// rows.
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })

	var chart models.ChartData
	for _, row := range rows {
		if row.Date == "" {
			continue
		}
		open, err1 := strconv.ParseFloat(row.Open, 64)
		cls, err2 := strconv.ParseFloat(row.Close, 64)
		high, err3 := strconv.ParseFloat(row.High, 64)
		low, err4 := strconv.ParseFloat(row.Low, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		chart.Categories = append(chart.Categories, row.Date)
		chart.Candlestick = append(chart.Candlestick, []float64{open, cls, low, high})
		chart.Line = append(chart.Line, cls)
	}
	return chart, nil
}

// get performs one authenticated gateway call, retrying once with a fresh
// token when the gateway reports the current one expired.
func (c *Client) get(ctx context.Context, path, trID string, params url.Values, out interface{}, out2 interface{}) error {
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.doGet(ctx, path, trID, params)
		if err != nil {
			return err
		}

		if resp.RtCd != "0" {
			if resp.MsgCd == codeTokenExpired && attempt == 0 {
				c.log.WithComponent("quote_client").Info("access token expired, refreshing")
				c.auth.InvalidateToken()
				continue
			}
			return fmt.Errorf("gateway error %s: %s", resp.MsgCd, resp.Msg)
		}

		if out != nil && len(resp.Output) > 0 {
			if err := json.Unmarshal(resp.Output, out); err != nil {
				return fmt.Errorf("decode output: %w", err)
			}
		}
		if out2 != nil && len(resp.Output2) > 0 {
			if err := json.Unmarshal(resp.Output2, out2); err != nil {
				return fmt.Errorf("decode output2: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("gateway error %s: token refresh did not help", codeTokenExpired)
}

func (c *Client) doGet(ctx context.Context, path, trID string, params url.Values) (*gatewayResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.appKey)
	req.Header.Set("appsecret", c.secret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %d", path, resp.StatusCode)
	}

	var decoded gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return &decoded, nil
}
