package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	appconfig "trendict/config"
	"trendict/internal/predict"
	"trendict/internal/session"
	"trendict/logger"
	"trendict/models"
)

// dailyChartWindow is how far back the daily chart endpoint reaches.
const dailyChartWindow = 180 * 24 * time.Hour

// SeriesProvider exposes the live intraday candle series.
type SeriesProvider interface {
	Symbol() string
	Day() string
	Series() []models.Candle
}

// IndexProvider exposes the latest market index board.
type IndexProvider interface {
	Snapshots() []models.IndexSnapshot
}

// QuoteService pulls quotations and historical candles on demand.
type QuoteService interface {
	CurrentPrice(ctx context.Context, symbol string) (models.QuoteSnapshot, error)
	DailyCandles(ctx context.Context, symbol, from, to string) (models.ChartData, error)
}

// Server is the dashboard's HTTP surface: REST endpoints for charts,
// indices and projections, plus the live websocket stream.
type Server struct {
	config    *appconfig.Config
	clock     *session.Clock
	series    SeriesProvider
	indices   IndexProvider
	quotes    QuoteService
	predictor predict.Analyzer
	hub       *Hub

	httpServer *http.Server
	mu         sync.Mutex
	running    bool
	log        *logger.Log
}

func NewServer(cfg *appconfig.Config, clock *session.Clock, series SeriesProvider, indices IndexProvider, quotes QuoteService, predictor predict.Analyzer, hub *Hub) *Server {
	s := &Server{
		config:    cfg,
		clock:     clock,
		series:    series,
		indices:   indices,
		quotes:    quotes,
		predictor: predictor,
		hub:       hub,
		log:       logger.GetLogger(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/indices", s.handleIndices)
		r.Get("/stock/{symbol}", s.handleDailyChart)
		r.Get("/stock/{symbol}/realtime", s.handleRealtimeChart)
		r.Post("/predict", s.handlePredict)
	})
	r.Get("/ws/stream", s.hub.ServeWS)

	return r
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	log := s.log.WithComponent("server").WithFields(logger.Fields{"addr": s.config.Server.Addr})
	log.Info("starting http server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes websocket clients.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.hub.Shutdown(ctx)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithComponent("server").WithError(err).Warn("http shutdown failed")
	}
	s.log.WithComponent("server").Info("http server stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"session":    s.clock.InSession(s.clock.Now()),
		"day":        s.clock.DayKey(s.clock.Now()),
		"ws_clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleIndices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"indices": s.indices.Snapshots(),
	})
}

func (s *Server) handleDailyChart(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	now := s.clock.Now()
	from := now.Add(-dailyChartWindow).Format("20060102")
	to := now.Format("20060102")

	quote, err := s.quotes.CurrentPrice(r.Context(), symbol)
	if err != nil {
		s.log.WithComponent("server").WithError(err).Warn("quotation pull failed")
		writeUnavailable(w)
		return
	}
	chart, err := s.quotes.DailyCandles(r.Context(), symbol, from, to)
	if err != nil {
		s.log.WithComponent("server").WithError(err).Warn("daily chart pull failed")
		writeUnavailable(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"quote":  quote,
		"chart":  chart,
	})
}

func (s *Server) handleRealtimeChart(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol != s.series.Symbol() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no realtime series for %s", symbol))
		return
	}

	series := s.series.Series()
	chart := models.ChartData{}
	loc := s.clock.Zone()
	for _, c := range series {
		chart.Categories = append(chart.Categories, c.StartTime(loc).Format("15:04"))
		chart.Candlestick = append(chart.Candlestick, []float64{c.Open, c.Close, c.Low, c.High})
		chart.Line = append(chart.Line, c.Close)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":     symbol,
		"day":        s.series.Day(),
		"in_session": s.clock.InSession(s.clock.Now()),
		"candles":    series,
		"chart":      chart,
	})
}

type predictRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" {
		req.Symbol = s.series.Symbol()
	}

	lastPrice := s.lastPrice(r.Context(), req.Symbol)
	pred, err := s.predictor.Analyze(r.Context(), req.Symbol, lastPrice)
	if err != nil {
		if errors.Is(err, predict.ErrAnalysis) {
			writeUnavailable(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}

	writeJSON(w, http.StatusOK, pred)
}

// lastPrice prefers the live series close, falling back to a quotation
// pull when nothing has traded yet.
func (s *Server) lastPrice(ctx context.Context, symbol string) float64 {
	if symbol == s.series.Symbol() {
		if series := s.series.Series(); len(series) > 0 {
			return series[len(series)-1].Close
		}
	}
	if quote, err := s.quotes.CurrentPrice(ctx, symbol); err == nil {
		return quote.Price
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeUnavailable(w http.ResponseWriter) {
	writeError(w, http.StatusServiceUnavailable, "data temporarily unavailable")
}
