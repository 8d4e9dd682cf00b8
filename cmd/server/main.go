package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/engine"
	"github.com/signalworks/cascade/internal/metrics"
	"github.com/signalworks/cascade/internal/store"
	"github.com/signalworks/cascade/internal/wal"
	"github.com/signalworks/cascade/pkg/otel"
)

type Server struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	limiter *rate.Limiter
	truth   *archiveTruth

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// archiveTruth answers ground-truth lookups from the store's own finalized
// cascade-window history. A deployment with an external event archive
// replaces this with a client for it.
type archiveTruth struct {
	st *store.Store
}

func (a *archiveTruth) OccurredInWindow(ctx context.Context, windowStart, windowEnd int64) (bool, error) {
	for _, obs := range a.st.Observations() {
		if obs.Type != api.ObsCascadeWindow {
			continue
		}
		if obs.Timestamp >= windowStart && obs.Timestamp <= windowEnd && obs.Outcome.Bool {
			return true, nil
		}
	}
	return false, nil
}

func main() {
	ctx := context.Background()
	params := api.DefaultEngineParams()
	params.RetentionLimit = getEnvInt("RETENTION_LIMIT", params.RetentionLimit)
	params.NumSimulations = getEnvInt("NUM_SIMULATIONS", params.NumSimulations)

	// Persistence backend
	kvBackend := getEnv("KV_BACKEND", "memory")
	var kv store.KV
	var err error

	switch kvBackend {
	case "silent":
		kv = store.SilentKV{}
	case "memory":
		snapshotPath := getEnv("KV_SNAPSHOT", "data/cascade.json")
		kv = store.NewMemoryKV(snapshotPath)
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		kv, err = store.NewRedisKV(redisAddr, getEnv("REDIS_PASSWORD", ""), getEnvInt("REDIS_DB", 0))
		if err != nil {
			log.Fatalf("Failed to create Redis KV: %v", err)
		}
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		kv, err = store.NewPostgresKV(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres KV: %v", err)
		}
	default:
		log.Fatalf("Unknown KV_BACKEND: %s", kvBackend)
	}

	// Observation WAL
	var journal *wal.Journal
	if walDir := getEnv("WAL_DIR", "data/wal"); walDir != "" {
		journal, err = wal.NewJournal(walDir)
		if err != nil {
			log.Fatalf("Failed to create WAL: %v", err)
		}
	}

	m := metrics.New()
	st := store.New(params, kv, journal)
	truth := &archiveTruth{st: st}

	eng, err := engine.New(st, truth, engine.WithMetrics(m))
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Load(ctx); err != nil {
		log.Printf("State hydration failed, starting empty: %v", err)
	}

	// Tracing
	var tp *sdktrace.TracerProvider
	if endpoint := getEnv("OTEL_COLLECTOR", ""); endpoint != "" {
		cfg := otel.DefaultConfig("cascade-engine")
		cfg.CollectorEndpoint = endpoint
		cfg.Environment = getEnv("ENVIRONMENT", "production")
		tracerProvider, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Printf("Tracing disabled: %v", err)
		} else {
			tp = tracerProvider
		}
	}

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	srv := &Server{
		engine:  eng,
		metrics: m,
		limiter: limiter,
		truth:   truth,
	}
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observations", srv.handleObservations)
	mux.HandleFunc("/v1/scan", srv.handleScan)
	mux.HandleFunc("/v1/resolve", srv.handleResolve)
	mux.HandleFunc("/v1/estimate", srv.handleEstimate)
	mux.HandleFunc("/v1/severity", srv.handleSeverity)
	mux.HandleFunc("/v1/calibration", srv.handleCalibration)
	mux.HandleFunc("/v1/intervention", srv.handleIntervention)
	mux.HandleFunc("/v1/recalibrate", srv.handleRecalibrate)
	mux.HandleFunc("/v1/seed", srv.handleSeed)
	mux.HandleFunc("/v1/walkforward", srv.handleWalkForward)
	mux.HandleFunc("/v1/baseline", srv.handleBaseline)
	mux.HandleFunc("/v1/report", srv.handleReport)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting cascade engine on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Printf("Error closing WAL: %v", err)
		}
	}
	if err := kv.Close(); err != nil {
		log.Printf("Error closing KV: %v", err)
	}
	if err := otel.Shutdown(shutdownCtx, tp); err != nil {
		log.Printf("Error shutting down tracing: %v", err)
	}

	log.Println("Server stopped")
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(w) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var obs api.Observation
	if err := json.Unmarshal(body, &obs); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	res := s.engine.RecordObservation(r.Context(), obs)
	status := http.StatusOK
	if !res.Appended {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, res)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(w) {
		return
	}

	var req struct {
		api.ScanInput
		Now int64 `json:"now,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	now := req.Now
	if now == 0 {
		now = time.Now().UnixMilli()
	}

	ctx, span := otel.StartSpan(r.Context(), "scan_cycle")
	defer span.End()

	res, err := s.engine.ScanCycle(ctx, req.ScanInput, now)
	if err != nil {
		otel.RecordError(span, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "resolve_pending")
	defer span.End()

	res, err := s.engine.ResolvePending(ctx, time.Now().UnixMilli())
	if err != nil {
		otel.RecordError(span, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	patternID := r.URL.Query().Get("pattern_id")
	if patternID == "" {
		http.Error(w, "pattern_id is required", http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.CascadeProbability(r.Context(), patternID))
}

func (s *Server) handleSeverity(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		http.Error(w, "domain is required", http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Severity(domain))
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Calibration(r.URL.Query().Get("pattern_id")))
}

func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	interventionType := q.Get("type")
	patternID := q.Get("pattern_id")
	if interventionType == "" || patternID == "" {
		http.Error(w, "type and pattern_id are required", http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.InterventionEffect(interventionType, patternID))
}

func (s *Server) handleRecalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	patternID := r.URL.Query().Get("pattern_id")
	if patternID == "" {
		http.Error(w, "pattern_id is required", http.StatusBadRequest)
		return
	}
	res := s.engine.ForceRecalibrate(r.Context(), patternID)
	if res == nil {
		http.Error(w, "no observations for pattern", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Records []api.SeedRecord    `json:"records"`
		Label   api.LabelDefinition `json:"label_definition"`
		DryRun  bool                `json:"dry_run"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	report, err := s.engine.LoadSeed(r.Context(), req.Records, req.Label, req.DryRun)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleWalkForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PatternID string `json:"pattern_id"`
		SplitAt   int64  `json:"split_at"`
		StepDays  int    `json:"step_days"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.StepDays <= 0 {
		req.StepDays = 30
	}

	ctx, span := otel.StartSpan(r.Context(), "walk_forward")
	defer span.End()

	report, err := s.engine.WalkForward(ctx, req.PatternID, req.SplitAt, time.Duration(req.StepDays)*24*time.Hour)
	if err != nil {
		otel.RecordError(span, err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	fixed := 0.5
	if v := r.URL.Query().Get("p"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			http.Error(w, "p must be a probability", http.StatusBadRequest)
			return
		}
		fixed = parsed
	}
	respondJSON(w, http.StatusOK, s.engine.CompareBaseline(fixed))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Status(r.Context()))
}

func (s *Server) allow(w http.ResponseWriter) bool {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
