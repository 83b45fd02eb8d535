package app

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/fieldgate/fieldgate/modules/alarms"
	"github.com/fieldgate/fieldgate/modules/history"
	"github.com/fieldgate/fieldgate/modules/notify"
	"github.com/fieldgate/fieldgate/modules/poller"
	"github.com/fieldgate/fieldgate/modules/store"
	"github.com/fieldgate/fieldgate/modules/stream"
	"github.com/fieldgate/fieldgate/pkg/util/log"
)

// App is the root datastructure: one process carrying the store, the polling
// engine, the websocket hub, the history pruner and the notification sink.
type App struct {
	cfg Config

	store    *store.Store
	hub      *stream.Hub
	engine   *poller.Engine
	pruner   *history.Pruner
	notifier poller.Notifier

	serviceMap map[string]services.Service
	manager    *services.Manager
}

// New wires all components but starts nothing.
func New(cfg Config) (*App, error) {
	t := &App{cfg: cfg}

	st, err := store.Open(cfg.Store, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	t.store = st

	serviceMap := map[string]services.Service{}

	if cfg.Notify.URL != "" {
		n, err := notify.NewNATSNotifier(cfg.Notify, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		t.notifier = n
		serviceMap["notifier"] = n
	} else {
		t.notifier = notify.NewLogNotifier(log.Logger)
	}

	hub, err := stream.NewHub(cfg.Stream, st, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream hub: %w", err)
	}
	t.hub = hub
	serviceMap["stream"] = hub

	evaluator := alarms.New(st, log.Logger)

	engine, err := poller.New(cfg.Poller, st, evaluator, hub, t.notifier, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create polling engine: %w", err)
	}
	t.engine = engine
	serviceMap["poller"] = engine

	pruner, err := history.NewPruner(cfg.History, st, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create history pruner: %w", err)
	}
	t.pruner = pruner
	serviceMap["history"] = pruner

	t.serviceMap = serviceMap
	return t, nil
}

// Run starts every service and blocks until a signal arrives or a service
// fails.
func (t *App) Run() error {
	router := mux.NewRouter()
	router.Handle("/ws", t.hub)
	router.Handle("/metrics", promhttp.Handler())
	router.Path("/config").Handler(t.configHandler())
	router.Path("/ready").Handler(t.readyHandler())
	t.serviceMap["server"] = t.httpService(router)

	sm, err := services.NewManager(t.services()...)
	if err != nil {
		return fmt.Errorf("failed to create service manager: %w", err)
	}
	t.manager = sm

	healthy := func() { level.Info(log.Logger).Log("msg", "fieldgate started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "fieldgate stopped") }
	serviceFailed := func(service services.Service) {
		// one failed service stops the process
		sm.StopAsync()

		for m, s := range t.serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	err = sm.AwaitStopped(context.Background())

	if closeErr := t.store.Close(); closeErr != nil {
		level.Warn(log.Logger).Log("msg", "error closing store", "err", closeErr)
	}
	return err
}

func (t *App) services() []services.Service {
	servs := make([]services.Service, 0, len(t.serviceMap))
	for _, s := range t.serviceMap {
		servs = append(servs, s)
	}
	return servs
}

// httpService wraps the HTTP server in a service so the manager owns its
// lifecycle like everything else.
func (t *App) httpService(router *mux.Router) services.Service {
	addr := net.JoinHostPort(t.cfg.HTTPListenAddress, strconv.Itoa(t.cfg.HTTPListenPort))
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket upgrades hold the connection open
	}

	running := func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			level.Info(log.Logger).Log("msg", "http server listening", "addr", addr)
			errCh <- server.ListenAndServe()
		}()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	}
	stopping := func(_ error) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return services.NewBasicService(nil, running, stopping)
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sm := t.manager
		if sm == nil || !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")
			if sm == nil {
				http.Error(w, msg.String(), http.StatusServiceUnavailable)
				return
			}
			for st, ls := range sm.ServicesByState() {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}
			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}
}
