// Package subtitle broadcasts subtitles to stream overlays connected over
// websocket.
package subtitle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
)

const Name = "subtitle"

type Options struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

func DefaultOptions() Options {
	return Options{Addr: ":8766", Path: "/subtitles", WriteTimeout: 5 * time.Second}
}

func (o Options) Validate() error {
	if o.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if o.Path == "" || o.Path[0] != '/' {
		return fmt.Errorf("path must start with /")
	}
	if o.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	return nil
}

// Frame is the JSON message sent to overlays.
type Frame struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id,omitempty"`
	Room       string `json:"room,omitempty"`
	Text       string `json:"text"`
	Emotion    string `json:"emotion,omitempty"`
	Expression string `json:"expression,omitempty"`
	Emoji      string `json:"emoji,omitempty"`
}

type client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

type Server struct {
	options  Options
	upgrader websocket.Upgrader

	listener net.Listener
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client
}

func New(options Options) *Server {
	s := &Server{options: options, clients: make(map[*websocket.Conn]*client)}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func Factory(opts providers.Options) (providers.OutputProvider, error) {
	options := DefaultOptions()
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options), nil
}

func (s *Server) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryOutput,
		Description: "Websocket subtitles for stream overlays",
	}
}

func (s *Server) Setup(ctx context.Context, deps providers.Dependencies) ([]providers.Provider, error) {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.options.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.options.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.options.Path, s.handleWebSocket)
	s.listener = listener
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serve := func(context.Context) error {
		if err := s.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	if deps.Tasks == nil || !deps.Tasks.Go("serve", serve) {
		_ = listener.Close()
		return nil, fmt.Errorf("no task supervisor to serve on")
	}

	logger.InfoContext(ctx, "serving subtitles", "addr", listener.Addr().String(), "path", s.options.Path)
	return []providers.Provider{s}, nil
}

// Addr returns the bound address, or "" before setup.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Cleanup(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		s.removeClient(c)
	}

	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Clients returns the number of connected overlays.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.options.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.options.AllowedOrigins, origin)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = c
	s.clientsMu.Unlock()

	defer s.removeClient(c)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		s.clientsMu.Lock()
		delete(s.clients, c.conn)
		s.clientsMu.Unlock()
		_ = c.conn.Close()
	})
}

// Render broadcasts the subtitle to every connected overlay. Overlays that
// fail or time out are disconnected; the render itself does not fail.
func (s *Server) Render(ctx context.Context, params render.Parameters) error {
	if params.SubtitleText == "" {
		return nil
	}

	data, err := json.Marshal(Frame{
		Type:       "subtitle",
		MessageID:  params.MessageID,
		Room:       params.Room,
		Text:       params.SubtitleText,
		Emotion:    string(params.Emotion),
		Expression: params.Expression,
		Emoji:      params.Emoji,
	})
	if err != nil {
		return fmt.Errorf("failed to encode subtitle: %w", err)
	}

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	deadline := time.Now().Add(s.options.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		if c.closed.Load() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.write(data, deadline); err != nil {
				logger.WarnContext(ctx, "dropping overlay", "remote", c.conn.RemoteAddr().String(), "error", err)
				s.removeClient(c)
			}
		}()
	}
	wg.Wait()
	return nil
}

func (c *client) write(data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
