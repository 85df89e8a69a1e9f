package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminServer serves /metrics and /healthz. It is an operations surface;
// events do not enter through it.
type AdminServer struct {
	router     *mux.Router
	server     *http.Server
	store      Pinger
	modelReady func() bool
	logger     *zap.SugaredLogger
}

// NewAdminServer builds the router. modelReady may be nil.
func NewAdminServer(addr string, store Pinger, modelReady func() bool, logger *zap.SugaredLogger) *AdminServer {
	if modelReady == nil {
		modelReady = func() bool { return false }
	}
	a := &AdminServer{
		router:     mux.NewRouter(),
		store:      store,
		modelReady: modelReady,
		logger:     logger,
	}
	a.router.HandleFunc("/healthz", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

// Handler exposes the router, for tests.
func (a *AdminServer) Handler() http.Handler { return a.router }

// Start serves until Stop is called.
func (a *AdminServer) Start() error {
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (a *AdminServer) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

type healthResponse struct {
	Status     string `json:"status"`
	Store      string `json:"store"`
	ModelReady bool   `json:"model_ready"`
	Time       string `json:"time"`
}

// healthCheck is 503 only when the store is unreachable. A missing model is
// reported but is not unhealthy: rule detection works without it.
func (a *AdminServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:     "healthy",
		Store:      "ok",
		ModelReady: a.modelReady(),
		Time:       time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warnw("Health check: store unreachable", "error", err)
		resp.Status = "unhealthy"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
