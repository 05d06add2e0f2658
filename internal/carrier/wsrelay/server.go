package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/1ureka/pushtun/internal/util"
	"github.com/gorilla/websocket"
)

// Path is where the hub accepts WebSocket connections.
const Path = "/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server routes messages between connected clients. A client is addressed
// by the token it connected with; a newer connection with the same token
// replaces the older one.
type Server struct {
	key string

	mu      sync.Mutex
	clients map[string]*peerConn
}

// peerConn serializes writes to one client.
type peerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peerConn) send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(msg)
}

// NewServer creates a hub. When key is not empty clients must present it.
func NewServer(key string) *Server {
	return &Server{key: key, clients: make(map[string]*peerConn)}
}

// Handler returns the hub's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	return mux
}

// Serve runs the hub on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	util.LogInfo("[wsrelay] listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("wsrelay serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start WS server: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.key != "" && r.URL.Query().Get("key") != s.key {
		http.Error(w, "Invalid key", http.StatusUnauthorized)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	pc := &peerConn{conn: conn}
	s.mu.Lock()
	old := s.clients[token]
	s.clients[token] = pc
	s.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
	util.LogInfo("[wsrelay] client %s connected", short(token))

	defer func() {
		s.mu.Lock()
		if s.clients[token] == pc {
			delete(s.clients, token)
		}
		s.mu.Unlock()
		conn.Close()
		util.LogInfo("[wsrelay] client %s disconnected", short(token))
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.From = token
		s.route(msg)
	}
}

// route delivers msg to its recipient. Messages for absent clients are
// dropped.
func (s *Server) route(msg Message) {
	s.mu.Lock()
	dst, ok := s.clients[msg.To]
	s.mu.Unlock()
	if !ok {
		util.LogDebug("[wsrelay] no client %s, dropping message", short(msg.To))
		return
	}
	if err := dst.send(msg); err != nil {
		util.LogWarning("[wsrelay] deliver to %s: %v", short(msg.To), err)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*peerConn)
	s.mu.Unlock()
	for _, pc := range clients {
		pc.conn.Close()
	}
}

func short(token string) string {
	if len(token) > 8 {
		return token[:8] + "…"
	}
	return token
}
