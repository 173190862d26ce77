package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jkbrsn/carbonrelay"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	ingestPath        = "/ingest"
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// upgrader is used to upgrade ingest requests to a WebSocket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	// Producers are services, not browsers.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ingestHandler accepts WebSocket clients on /ingest. Every text or binary message holds one or
// more newline-delimited JSON observations, each handed to forward. Nothing is written back.
type ingestHandler struct {
	forward func(carbonrelay.Observation)
	logger  zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newIngestHandler(forward func(carbonrelay.Observation), logger zerolog.Logger) *ingestHandler {
	return &ingestHandler{
		forward: forward,
		logger:  logger,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

func (h *ingestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != ingestPath {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxLineSize)
	h.track(conn)
	defer h.untrack(conn)

	logger := h.logger.With().Str("ws_conn_id", xid.New().String()).Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("Ingest client connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("Ingest client read ended")
			}
			return
		}
		if err := readObservations(bytes.NewReader(message), h.forward, logger); err != nil {
			logger.Warn().Err(err).Msg("Failed to read ingest message")
		}
	}
}

func (h *ingestHandler) track(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *ingestHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// closeAll closes every open client connection, unblocking their handlers.
func (h *ingestHandler) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.Close()
	}
}

// serveIngest serves the ingest handler on ln until ctx is done.
func serveIngest(ctx context.Context, ln net.Listener, forward func(carbonrelay.Observation), logger zerolog.Logger) error {
	handler := newIngestHandler(forward, logger)
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	// Hijacked WebSocket connections are not tracked by Shutdown.
	server.RegisterOnShutdown(handler.closeAll)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Str("path", ingestPath).Msg("Accepting WebSocket observations")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
