// Package registry provides the runnable registry: configuration loading,
// logging setup, the http server and its side listeners, and the cobra
// commands that tie them together.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/go-metrics"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/GhostKellz/ghostdock/configuration"
	"github.com/GhostKellz/ghostdock/internal/dcontext"
	"github.com/GhostKellz/ghostdock/registry/handlers"
	"github.com/GhostKellz/ghostdock/registry/storage"
	"github.com/GhostKellz/ghostdock/registry/storage/driver/filesystem"
	"github.com/GhostKellz/ghostdock/registry/storage/index"
	"github.com/GhostKellz/ghostdock/version"
)

// indexDBName is the sqlite database file kept under the storage root.
const indexDBName = "index.db"

// A Registry represents a complete instance of the registry.
type Registry struct {
	config *configuration.Configuration
	app    *handlers.App
	server *http.Server
	index  *index.Store
}

// NewRegistry creates a new registry from a context and configuration
// struct.
func NewRegistry(ctx context.Context, config *configuration.Configuration) (*Registry, error) {
	ctx, err := configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error configuring logger: %w", err)
	}

	backend, idx, err := openBackend(ctx, config)
	if err != nil {
		return nil, err
	}

	app := handlers.NewApp(ctx, config, backend)

	var handler http.Handler = app
	handler = gorhandlers.CombinedLoggingHandler(os.Stdout, handler)

	server := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: handler,
	}

	return &Registry{
		config: config,
		app:    app,
		server: server,
		index:  idx,
	}, nil
}

// ListenAndServe runs the registry's HTTP server, the debug listener and the
// upload purge loop until the process receives an interrupt.
func (registry *Registry) ListenAndServe() error {
	config := registry.config
	log := dcontext.GetLogger(registry.app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.HTTP.Debug.Addr != "" {
		go registry.serveDebug(config.HTTP.Debug.Addr)
	}

	go registry.purgeLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %v", config.HTTP.Addr)
		errCh <- registry.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return registry.index.Close()
}

// serveDebug runs the side listener carrying pprof and prometheus metrics.
func (registry *Registry) serveDebug(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	dcontext.GetLogger(registry.app).Infof("debug server listening on %v", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		dcontext.GetLogger(registry.app).Errorf("error listening on debug interface: %v", err)
	}
}

// purgeLoop expires idle upload sessions on a fixed interval.
func (registry *Registry) purgeLoop(ctx context.Context) {
	interval := registry.config.Upload.PurgeInterval.Std()
	if interval <= 0 {
		interval = configuration.DefaultPurgeInterval.Std()
	}
	ttl := registry.config.Upload.SessionTTL.Std()
	log := dcontext.GetLogger(registry.app)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := registry.app.Registry().ExpireUploads(ctx, ttl)
			if err != nil {
				log.Errorf("upload purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Infof("purged %d expired upload sessions", n)
			}
		}
	}
}

// openBackend constructs the storage backend described by the
// configuration: a filesystem blob store and the sqlite metadata index
// rooted at the storage path.
func openBackend(ctx context.Context, config *configuration.Configuration) (*storage.Registry, *index.Store, error) {
	root := config.Storage.Path
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating storage root: %w", err)
	}

	driver := filesystem.New(root)

	idx, err := index.Open(filepath.Join(root, indexDBName))
	if err != nil {
		return nil, nil, fmt.Errorf("opening metadata index: %w", err)
	}

	backend := storage.NewRegistry(driver, idx, storage.Options{
		MaxBlobSize:     config.Storage.MaxBlobSize,
		MaxManifestSize: config.Storage.MaxManifestSize,
		DeleteEnabled:   config.Storage.Delete.Enabled,
	})

	return backend, idx, nil
}

// configureLogging prepares the process logger according to the
// configuration and returns a context carrying it.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	level, err := logrus.ParseLevel(string(config.Log.Level))
	if err != nil {
		return ctx, fmt.Errorf("parsing log level %q: %w", config.Log.Level, err)
	}
	logrus.SetLevel(level)

	switch config.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return ctx, fmt.Errorf("unsupported log formatter %q", config.Log.Formatter)
	}

	entry := logrus.WithField("version", version.Version)
	return dcontext.WithLogger(ctx, entry), nil
}
