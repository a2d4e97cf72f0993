package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rebalancer/pkg/trader"
)

// StatusSource reports the control loop's progress.
type StatusSource interface {
	Status() trader.Status
}

type Server struct {
	status   StatusSource
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
	port     int
	now      func() time.Time

	// staleAfter marks the loop unhealthy when no cycle started within it.
	staleAfter time.Duration
}

func NewServer(status StatusSource, gatherer prometheus.Gatherer, logger *logrus.Logger, port int, staleAfter time.Duration) *Server {
	return &Server{
		status:     status,
		gatherer:   gatherer,
		logger:     logger,
		port:       port,
		now:        time.Now,
		staleAfter: staleAfter,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infof("Starting API server on port %d", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.status.Status()
	now := s.now().UTC()
	healthy := s.staleAfter <= 0 || st.Cycles == 0 || now.Sub(st.LastCycle) <= s.staleAfter

	response := map[string]interface{}{
		"status":     "healthy",
		"timestamp":  now,
		"cycles":     st.Cycles,
		"last_cycle": st.LastCycle.UTC(),
	}
	code := http.StatusOK
	if !healthy {
		response["status"] = "stale"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
