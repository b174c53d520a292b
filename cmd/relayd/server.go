package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/bardlex/minerelay/internal/config"
	"github.com/bardlex/minerelay/internal/database"
	"github.com/bardlex/minerelay/internal/relay"
	"github.com/bardlex/minerelay/pkg/errors"
	"github.com/bardlex/minerelay/pkg/log"
)

const (
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	writeWait        = 10 * time.Second
	shutdownParallel = 32
)

// RelayServer accepts browser WebSocket connections and gives each one a
// relay session.
type RelayServer struct {
	cfg        *config.Config
	sessionCfg relay.Config
	logger     *log.Logger
	observer   relay.Observer
	db         *database.Manager
	registry   *relay.Registry
	upgrader   websocket.Upgrader

	pingPeriod time.Duration
	pongWait   time.Duration

	mu           sync.Mutex
	httpServer   *http.Server
	shuttingDown bool
	wg           sync.WaitGroup
}

// NewRelayServer creates a new relay server. observer and db may be nil.
func NewRelayServer(cfg *config.Config, logger *log.Logger, observer relay.Observer, db *database.Manager) *RelayServer {
	if observer == nil {
		observer = relay.Observers(nil)
	}
	return &RelayServer{
		cfg:        cfg,
		sessionCfg: relay.NewConfig(cfg),
		logger:     logger.WithComponent("server"),
		observer:   observer,
		db:         db,
		registry:   relay.NewRegistry(cfg.MaxConnections, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers load the miner from arbitrary sites.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
	}
}

// Handler returns the HTTP routes: the WebSocket endpoint and /healthz
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebsocketPath, s.handleWebsocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start listens and serves until Shutdown is called or ctx is done
func (s *RelayServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.ListenAddr, strconv.Itoa(s.cfg.ListenPort))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("server listening", "address", addr, "ws_path", s.cfg.WebsocketPath)

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every session
func (s *RelayServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	srv := s.httpServer
	s.shuttingDown = true
	s.mu.Unlock()

	var err error
	if srv != nil {
		// Hijacked WebSocket connections are not tracked by http.Server.
		err = srv.Shutdown(ctx)
	}

	s.registry.CloseAll(shutdownParallel)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server shutdown complete")
	case <-ctx.Done():
		s.logger.Warn("server shutdown timeout")
		return ctx.Err()
	}
	return err
}

func (s *RelayServer) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

type healthResponse struct {
	Status         string `json:"status"`
	Sessions       int    `json:"sessions"`
	ActiveSessions *int64 `json:"active_sessions_total,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *RelayServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Sessions: s.registry.Len()}
	code := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else if n := s.db.ActiveSessions(ctx); n >= 0 {
			resp.ActiveSessions = &n
		}
	}

	data, err := sonic.ConfigStd.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (s *RelayServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	// Counted under mu so Shutdown's Wait never races a new Add.
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := s.registry.Reserve(); err != nil {
		s.logger.WithError(err).Warn("rejecting browser connection")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	s.serveBrowser(r.Context(), newBrowserConn(conn), r.URL.Query().Get("wallet"))
}

// serveBrowser runs one browser connection to completion
func (s *RelayServer) serveBrowser(ctx context.Context, bc *browserConn, userWallet string) {
	remote := bc.conn.RemoteAddr().String()
	s.logger.LogConnection("browser_connected", remote)
	defer s.logger.LogConnection("browser_disconnected", remote)
	defer bc.conn.Close()

	bc.conn.SetReadLimit(int64(s.cfg.MaxMessageSize))

	cfg := s.sessionCfg
	cfg.UserWallet = userWallet

	fatal := make(chan error, 1)
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	sess, err := relay.Create(connectCtx, cfg,
		relay.WithLogger(s.logger),
		relay.WithObserver(s.observer),
		relay.WithOnFatal(func(err error) {
			select {
			case fatal <- err:
			default:
			}
		}),
	)
	cancel()
	if err != nil {
		s.logger.WithError(err).Warn("pool session could not be created", "remote_addr", remote)
		bc.close(websocket.CloseInternalServerErr, "pool unavailable")
		return
	}
	defer sess.Close()

	if err := s.registry.Add(sess); err != nil {
		s.logger.WithError(err).Warn("session registry full", "remote_addr", remote)
		bc.close(websocket.CloseTryAgainLater, "too many connections")
		return
	}
	defer s.registry.Remove(sess.ID())

	// A session registered after Shutdown's CloseAll would otherwise live on.
	if s.isShuttingDown() {
		bc.close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	logger := s.logger.WithSession(sess.ID(), cfg.PoolAddr)
	sess.AttachSink(bc.send)
	defer sess.DetachSink()

	stop := make(chan struct{})
	defer close(stop)
	go s.keepAlive(bc, sess, fatal, stop, logger)

	_ = bc.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	bc.conn.SetPongHandler(func(string) error {
		return bc.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := bc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseInternalServerErr) {
				logger.WithError(err).Debug("browser read failed")
			}
			return
		}
		_ = bc.conn.SetReadDeadline(time.Now().Add(s.pongWait))

		if err := sess.Handle(ctx, data); err != nil && !errors.IsType(err, errors.ErrorTypeProtocol) {
			logger.WithError(err).Warn("failed to handle browser message")
		}
	}
}

// keepAlive pings the browser and closes it when the session dies
func (s *RelayServer) keepAlive(bc *browserConn, sess *relay.Session, fatal <-chan error, stop <-chan struct{}, logger *log.Logger) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case err := <-fatal:
			logger.WithError(err).Warn("closing browser after fatal pool error")
			bc.close(websocket.CloseInternalServerErr, "pool connection lost")
			return
		case <-sess.Done():
			bc.close(websocket.CloseGoingAway, "session closed")
			return
		case <-ticker.C:
			if err := bc.ping(); err != nil {
				logger.WithError(err).Debug("browser ping failed")
				bc.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

// browserConn serializes writes to one WebSocket; gorilla allows a single
// concurrent writer.
type browserConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newBrowserConn(conn *websocket.Conn) *browserConn {
	return &browserConn{conn: conn}
}

// send is the relay sink
func (b *browserConn) send(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return websocket.ErrCloseSent
	}
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *browserConn) ping() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return websocket.ErrCloseSent
	}
	return b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a close frame and tears the socket down; later calls are no-ops
func (b *browserConn) close(code int, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = b.conn.Close()
}
