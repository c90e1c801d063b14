package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/sttgate/internal/bus"
	"github.com/loqalabs/sttgate/internal/config"
	"github.com/loqalabs/sttgate/internal/decision"
	"github.com/loqalabs/sttgate/internal/eventstore"
	"github.com/loqalabs/sttgate/internal/events"
	"github.com/loqalabs/sttgate/internal/lexicon"
	"github.com/loqalabs/sttgate/internal/natsserver"
	"github.com/loqalabs/sttgate/internal/registry"
	"golang.org/x/sync/errgroup"
)

const maintenanceInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	store    *eventstore.Store
	service  *decision.Service
	registry *registry.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up the bus, the decision core and the HTTP surface, and
// blocks until ctx is cancelled or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	defer client.Close()

	reg, err := registry.New(ctx, r.cfg.Node, advertisedRoutes(r.cfg.Provider), client, r.logger)
	if err != nil {
		return fmt.Errorf("provider registry: %w", err)
	}
	defer reg.Close()
	r.registry = reg

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	r.store = store

	publisher := events.New(r.cfg.Events, r.logger)
	defer publisher.Close()

	var lexStore *lexicon.RedisStore
	if r.cfg.Lexicon.Enabled {
		lexStore, err = lexicon.NewRedisStore(ctx, lexicon.RedisConfig{
			Addr:     r.cfg.Lexicon.Addr,
			Username: r.cfg.Lexicon.Username,
			Password: r.cfg.Lexicon.Password,
			DB:       r.cfg.Lexicon.DB,
			Prefix:   r.cfg.Lexicon.Prefix,
		})
		if err != nil {
			return fmt.Errorf("lexicon store: %w", err)
		}
		defer lexStore.Close()
	}

	core, err := buildCore(r.cfg, client.Conn(), r.logger)
	if err != nil {
		return err
	}
	deps := decision.Deps{
		Bus:          client,
		Router:       core.router,
		Live:         core.live,
		Shadow:       core.shadow,
		Store:        store,
		Events:       publisher,
		LiveDefaults: defaultLiveContext(r.cfg),
		Log:          r.logger,
	}
	if lexStore != nil {
		deps.Lexicon = lexStore
	}
	r.service = decision.NewService(ctx, deps)
	if err := r.service.Start(); err != nil {
		return err
	}
	defer r.service.Close()

	mux := r.routes(metricsHandler)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		r.maintain(groupCtx, lexStore)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))
	return group.Wait()
}

// maintain prunes the decision timeline and the global lexicon until ctx
// ends.
func (r *Runtime) maintain(ctx context.Context, lexStore *lexicon.RedisStore) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
			if lexStore != nil {
				if n, err := lexStore.Prune(ctx, time.Now().UnixMilli()); err != nil {
					r.logger.Warn("lexicon prune failed", slog.String("error", err.Error()))
				} else if n > 0 {
					r.logger.Info("expired lexicon terms removed", slog.Int("count", n))
				}
			}
		}
	}
}

func (r *Runtime) routes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("GET /v1/streams/{id}/decisions", r.handleStreamDecisions)
	mux.HandleFunc("GET /v1/reasons", r.handleReasons)
	mux.HandleFunc("GET /v1/providers", r.handleProviders)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	healthy := r.ready.Load()
	if r.service != nil {
		healthy = healthy && r.service.Healthy()
	}
	if r.registry != nil {
		healthy = healthy && r.registry.Healthy()
	}
	if healthy {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type decisionView struct {
	CorrelationID string          `json:"correlation_id"`
	Kind          string          `json:"kind"`
	Accepted      bool            `json:"accepted"`
	ReasonCode    string          `json:"reason_code,omitempty"`
	Outcome       json.RawMessage `json:"outcome,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (r *Runtime) handleStreamDecisions(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	decisions, err := r.store.ListStreamDecisions(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]decisionView, 0, len(decisions))
	for _, d := range decisions {
		view := decisionView{
			CorrelationID: d.CorrelationID,
			Kind:          d.Kind,
			Accepted:      d.Accepted,
			ReasonCode:    d.ReasonCode,
			CreatedAt:     d.CreatedAt,
		}
		if json.Valid(d.Payload) {
			view.Outcome = d.Payload
		}
		views = append(views, view)
	}
	writeJSON(w, views)
}

func (r *Runtime) handleReasons(w http.ResponseWriter, req *http.Request) {
	window := 24 * time.Hour
	if raw := req.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = parsed
	}
	hist, err := r.store.ReasonHistogram(req.Context(), time.Now().Add(-window))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hist == nil {
		hist = []eventstore.ReasonCount{}
	}
	writeJSON(w, hist)
}

func (r *Runtime) handleProviders(w http.ResponseWriter, req *http.Request) {
	if r.registry == nil {
		writeJSON(w, []registry.NodeInfo{})
		return
	}
	var filter func(registry.NodeInfo) bool
	if role := req.URL.Query().Get("role"); role != "" {
		filter = registry.WithRole(role)
	}
	writeJSON(w, r.registry.Nodes(filter))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
