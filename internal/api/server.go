package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kycgate/backend/internal/audit"
	"github.com/kycgate/backend/internal/clock"
	"github.com/kycgate/backend/internal/messages"
	"github.com/kycgate/backend/internal/session"
	"github.com/kycgate/backend/internal/thresholds"
	"github.com/kycgate/backend/internal/vendorhub"
	"github.com/kycgate/backend/internal/websocket"
)

// Server is the HTTP surface over the capture pipeline.
type Server struct {
	manager   *session.Manager
	hub       *vendorhub.Hub
	auditor   *audit.Log
	reg       *thresholds.Registry
	catalog   *messages.Catalog
	clock     *clock.Clock
	telemetry *websocket.TelemetryHub
	exporter  *Exporter

	started time.Time
	httpSrv *http.Server
	logger  *log.Logger
}

// Deps bundles server construction inputs.
type Deps struct {
	Manager   *session.Manager
	Hub       *vendorhub.Hub
	Audit     *audit.Log
	Registry  *thresholds.Registry
	Catalog   *messages.Catalog
	Clock     *clock.Clock
	Telemetry *websocket.TelemetryHub
	Exporter  *Exporter
}

// NewServer wires the HTTP server.
func NewServer(d Deps) *Server {
	return &Server{
		manager:   d.Manager,
		hub:       d.Hub,
		auditor:   d.Audit,
		reg:       d.Registry,
		catalog:   d.Catalog,
		clock:     d.Clock,
		telemetry: d.Telemetry,
		exporter:  d.Exporter,
		started:   time.Now(),
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
			if req.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	// --- Capture flow ---
	r.HandleFunc("/api/face/scan", s.handleScan).Methods("POST")
	r.HandleFunc("/api/face/biometric", s.handleBiometric).Methods("POST")
	r.HandleFunc("/api/face/decision", s.handleDecision).Methods("POST")
	r.HandleFunc("/api/face/stream", s.handleStream).Methods("GET")

	// --- Introspection ---
	r.HandleFunc("/api/telemetry/{session_id}", s.handleTelemetry).Methods("GET")
	r.HandleFunc("/api/messages/catalog", s.handleCatalog).Methods("GET")
	r.HandleFunc("/api/system/health", s.handleHealth).Methods("GET")

	// --- Audit ---
	r.HandleFunc("/api/audit/export", s.handleAuditExport).Methods("POST")

	// --- Operators ---
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.telemetry != nil {
		r.HandleFunc("/ws/telemetry", s.telemetry.HandleWebSocket)
	}
	return r
}

// Start listens until the context is cancelled, then drains with a grace
// period.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("🚀 listening on %s", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
