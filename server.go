// This file contains the Server, the HTTP host that ties the pieces
// together: the WebSocket gateway at /ws, the file REST API under
// /api/files, and an optional metrics endpoint.
package gridsync

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server hosts the gateway and the file API on one listener.
type Server struct {
	options *ServerOptions
	gateway *Gateway
	storage *CSVStorage
	meta    *MetaStore
	saver   *Saver
	watcher *StorageWatcher
	server  *http.Server
}

// NewServer constructs the full stack: CSV storage, metadata store,
// gateway, saver, storage watcher, and router. Nothing starts listening
// until Start is called.
func NewServer(ctx context.Context, sessions SessionStore, opts ServerOptions) (*Server, error) {
	if opts.Options == nil {
		opts.Options = DefaultOptions()
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	storage, err := NewCSVStorage(opts.StorageDir)

	if err != nil {
		return nil, err
	}
	meta, err := OpenMetaStore(opts.MetaPath)

	if err != nil {
		return nil, err
	}
	gateway := NewGateway(ctx, sessions, *opts.Options)

	saver := NewSaver(storage, gateway, opts.Options.Hooks)

	watcher, err := NewStorageWatcher(opts.StorageDir, gateway, opts.Options.Hooks)

	if err != nil {
		_ = meta.Close()

		return nil, err
	}
	s := &Server{
		options: &opts,
		gateway: gateway,
		storage: storage,
		meta:    meta,
		saver:   saver,
		watcher: watcher,
	}
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router(sessions),
		ReadTimeout:  opts.ServerReadTimeout,
		WriteTimeout: opts.ServerWriteTimeout,
		IdleTimeout:  opts.ServerIdleTimeout,
		TLSConfig:    opts.ServerTLSConfig,
	}
	return s, nil
}

func (s *Server) router(sessions SessionStore) http.Handler {
	a := &api{
		storage:  s.storage,
		meta:     s.meta,
		sessions: sessions,
		saver:    s.saver,
		hooks:    s.options.Options.Hooks,
	}
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.gateway.HTTPHandler())

	files := r.PathPrefix("/api/files").Subrouter()

	files.HandleFunc("", a.handleUpload).Methods(http.MethodPost)

	files.HandleFunc("", a.handleList).Methods(http.MethodGet)

	files.HandleFunc("/{id}/rows", a.handleRows).Methods(http.MethodGet)

	files.HandleFunc("/{id}/cells", a.handleUpdateCells).Methods(http.MethodPatch)

	files.HandleFunc("/{id}/download", a.handleDownload).Methods(http.MethodGet)

	files.HandleFunc("/{id}", a.handleDelete).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	if s.options.MetricsHandler != nil {
		r.Handle("/metrics", s.options.MetricsHandler).Methods(http.MethodGet)
	}
	return r
}

// Gateway exposes the underlying gateway, mainly for embedding callers
// that broadcast notifications or inspect presence.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Start begins accepting connections and blocks until the listener stops.
// http.ErrServerClosed after a Stop call is swallowed.
func (s *Server) Start() error {
	if err := s.gateway.Start(); err != nil {
		return err
	}
	s.watcher.Start()

	listener, err := net.Listen("tcp", s.options.Addr)

	if err != nil {
		return wrapF(err, "failed to listen on %s", s.options.Addr)
	}

	var serveErr error
	if s.options.ServerTLSConfig != nil {
		serveErr = s.server.ServeTLS(listener, "", "")
	} else {
		serveErr = s.server.Serve(listener)
	}
	if serveErr == http.ErrServerClosed {
		return nil
	}
	return serveErr
}

// Stop drains the HTTP server, closes the watcher and every gateway
// connection, and releases the metadata store.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)

	defer cancel()

	err := s.server.Shutdown(shutdownCtx)

	s.watcher.Close()

	s.gateway.Stop()

	return combine(err, s.meta.Close())
}
