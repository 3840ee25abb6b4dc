package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jensholdgaard/bidengine/internal/auction"
	"github.com/jensholdgaard/bidengine/internal/config"
	"github.com/jensholdgaard/bidengine/internal/store"
)

// ErrUnauthenticated is returned by an Authenticator that cannot identify
// the caller.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// HeaderAuthenticator trusts identity headers set by an upstream auth
// proxy.
type HeaderAuthenticator struct{}

// Identity headers read by HeaderAuthenticator.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	id := r.Header.Get(HeaderUserID)
	if id == "" {
		return Identity{}, ErrUnauthenticated
	}
	role := store.Role(r.Header.Get(HeaderUserRole))
	switch role {
	case store.RoleAdmin, store.RoleClerk:
	default:
		role = store.RoleBidder
	}
	return Identity{ID: id, Role: role}, nil
}

// Server exposes the hub over HTTP.
type Server struct {
	hub      *Hub
	auth     Authenticator
	cfg      config.GatewayConfig
	upgrader websocket.Upgrader
	trusted  []netip.Prefix
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	idle    chan struct{} // closed once closing and no clients remain
	idled   sync.Once
}

// NewServer creates a Server. Unparseable trusted proxies are logged and
// skipped; config validation rejects them before this point.
func NewServer(hub *Hub, auth Authenticator, cfg config.GatewayConfig, logger *slog.Logger) *Server {
	trusted, err := cfg.TrustedPrefixes()
	if err != nil {
		logger.Warn("ignoring trusted proxies", slog.Any("error", err))
		trusted = nil
	}
	s := &Server{
		hub:     hub,
		auth:    auth,
		cfg:     cfg,
		trusted: trusted,
		logger:  logger,
		clients: make(map[*Client]struct{}),
		idle:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the traced router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(s.cfg.Path, s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/auctions/{id}", s.serveSnapshot).Methods(http.MethodGet)
	return otelhttp.NewHandler(r, "gateway")
}

// checkOrigin allows any origin unless an allow list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	c := NewClient(conn, id, s.remoteAddr(r), s.cfg.SendBuffer)
	s.track(c)
	defer s.untrack(c)

	s.hub.Connect(ctx, c)
	go c.writePump(s.cfg.PingInterval)
	c.readPump(ctx, s.hub, s.cfg.PongWait)
	s.hub.Disconnect(ctx, c)
}

func (s *Server) track(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
	if s.closing {
		c.Close()
	}
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	if s.closing && len(s.clients) == 0 {
		s.idled.Do(func() { close(s.idle) })
	}
}

// closeClients sends a close frame on every live connection; their read
// loops then exit and disconnect from the hub.
func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if len(s.clients) == 0 {
		s.idled.Do(func() { close(s.idle) })
		return
	}
	for c := range s.clients {
		c.Close()
	}
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hub.Snapshot(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, auction.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Error{Code: auction.CodeNotFound, Message: "auction not found"})
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "snapshot failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, Error{Code: auction.CodeInternal, Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// remoteAddr returns the peer address. When the peer is a trusted proxy,
// X-Forwarded-For is walked from the right and the first untrusted hop
// wins.
func (s *Server) remoteAddr(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !s.isTrusted(peer) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !s.isTrusted(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}

func (s *Server) isTrusted(raw string) bool {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// websocket client and shuts down within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown does not track hijacked websocket connections.
	srv.RegisterOnShutdown(s.closeClients)

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "gateway listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.drain(shutdownCtx)
}

// drain waits for websocket handlers to disconnect from the hub.
func (s *Server) drain(ctx context.Context) error {
	s.closeClients()
	select {
	case <-s.idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining websocket clients: %w", ctx.Err())
	}
}
