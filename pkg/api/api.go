// Package api serves the latest readings and the sensor report over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ericogr/envlogger/pkg/registry"
	"github.com/ericogr/envlogger/pkg/sensor"
)

// Reading is the JSON form of a sensor.Reading. Value is null when the
// sensor has no valid reading.
type Reading struct {
	Name      string    `json:"name"`
	Symbol    string    `json:"symbol,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Value     *float64  `json:"value"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func fromReading(r sensor.Reading) Reading {
	out := Reading{Name: r.Name, Symbol: r.Symbol, Unit: r.Unit, Timestamp: r.Timestamp}
	if !sensor.IsNoValue(r.Value) {
		v := r.Value
		out.Value = &v
		out.Text = r.Text
	}
	return out
}

type Server struct {
	reg    *registry.Registry
	logger *zap.SugaredLogger
	router *mux.Router
}

func New(reg *registry.Registry, logger *zap.SugaredLogger) *Server {
	s := &Server{reg: reg, logger: logger, router: mux.NewRouter()}
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/readings", s.readingsHandler).Methods(http.MethodGet)
	api.HandleFunc("/readings/{name}", s.readingHandler).Methods(http.MethodGet)
	api.HandleFunc("/report", s.reportHandler).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Infow("api listening", "addr", addr)
	select {
	case err := <-errc:
		return errors.Wrapf(err, "api listen %s", addr)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// healthHandler returns the number of available sensors and the time of the
// last readings
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"sensors":     s.reg.Available(),
		"interval_s":  s.reg.Interval(),
		"last_update": s.reg.LastUpdate(),
	})
}

func (s *Server) readingsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	out := make([]Reading, 0, len(snap))
	for _, rd := range snap {
		out = append(out, fromReading(rd))
	}
	s.writeJSON(w, out)
}

// readingHandler looks a sensor up by name or symbol, case-insensitively.
func (s *Server) readingHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, rd := range s.reg.Snapshot() {
		if strings.EqualFold(rd.Name, name) || strings.EqualFold(rd.Symbol, name) {
			s.writeJSON(w, fromReading(rd))
			return
		}
	}
	http.Error(w, "Sensor not found", http.StatusNotFound)
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.reg.Report(w)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnw("api encode", "error", err)
	}
}
