package api

import (
	"context"
	"net"
	"net/http"

	"github.com/go-errors/errors"
	"github.com/gorilla/mux"

	"github.com/the-lightning-land/updated/updater"
)

// Manager is the part of the update manager the api exposes.
type Manager interface {
	NextUpdate() updater.Snapshot
	InstallNextUpdateAsync() (*updater.Ack, error)
	Session() updater.SessionInfo
	Hub() *updater.Hub
}

// History lists finished installs, most recent first.
type History interface {
	Installs(limit int) ([]updater.SessionInfo, error)
}

type Config struct {
	Manager Manager
	History History
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Log     Logger
}

type Api struct {
	manager Manager
	history History
	router  *mux.Router
	server  *http.Server
	log     Logger
}

func New(config *Config) *Api {
	api := &Api{
		manager: config.Manager,
		history: config.History,
		router:  mux.NewRouter(),
	}

	if config.Log != nil {
		api.log = config.Log
	} else {
		api.log = noopLogger{}
	}

	api.router.Use(api.logRequests)

	api.router.Handle("/update/status", api.handleGetStatus()).Methods(http.MethodGet)
	api.router.Handle("/update/", api.handlePostUpdate()).Methods(http.MethodPost)
	api.router.Handle("/update", api.handlePostUpdate()).Methods(http.MethodPost)
	api.router.Handle("/update/check", api.handleGetCheck()).Methods(http.MethodGet)
	api.router.Handle("/update/history", api.handleGetHistory()).Methods(http.MethodGet)
	api.router.Handle("/update/events", api.handleGetEvents()).Methods(http.MethodGet)

	if config.Metrics != nil {
		api.router.Handle("/metrics", config.Metrics).Methods(http.MethodGet)
	}

	api.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.jsonError(w, "Not found", http.StatusNotFound)
	})

	api.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	api.server = &http.Server{
		Handler: api.router,
	}

	return api
}

func (a *Api) Handler() http.Handler {
	return a.router
}

// Serve blocks serving requests on l until Shutdown is called.
func (a *Api) Serve(l net.Listener) error {
	err := a.server.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		return errors.Errorf("Unable to serve api: %v", err)
	}

	return nil
}

// Shutdown stops accepting connections and waits for running requests.
// Event streams are hijacked connections and are closed by the hub.
func (a *Api) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if err != nil {
		return errors.Errorf("Unable to shut down api: %v", err)
	}

	return nil
}

func (a *Api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.log.Debugf("%v %v", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
