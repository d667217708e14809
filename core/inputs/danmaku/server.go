// Package danmaku accepts live-chat events from external platform adapters
// over websocket. Every text frame carries one JSON encoded RawData.
package danmaku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
)

const Name = "danmaku"

type Options struct {
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

func DefaultOptions() Options {
	return Options{Addr: ":8765", Path: "/danmaku", ReadTimeout: 60 * time.Second}
}

func (o Options) Validate() error {
	if o.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if o.Path == "" || o.Path[0] != '/' {
		return fmt.Errorf("path must start with /")
	}
	if o.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive")
	}
	return nil
}

type Server struct {
	options  Options
	upgrader websocket.Upgrader

	listener net.Listener
	server   *http.Server

	mu    sync.Mutex
	sink  providers.Sink
	ctx   context.Context
	conns map[*websocket.Conn]struct{}
}

func New(options Options) *Server {
	s := &Server{options: options, conns: make(map[*websocket.Conn]struct{})}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func Factory(opts providers.Options) (providers.InputProvider, error) {
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
		Category:    providers.CategoryInput,
		Description: "Websocket endpoint for live-chat platform adapters",
	}
}

// Setup binds the listen address so a taken port fails the provider at load
// time. Frames are accepted once Run is called.
func (s *Server) Setup(ctx context.Context, _ providers.Dependencies) ([]providers.Provider, error) {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.options.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.options.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.options.Path, s.handleWebSocket)
	s.listener = listener
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return []providers.Provider{s}, nil
}

// Addr returns the bound address, or "" before setup.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Run(ctx context.Context, sink providers.Sink) error {
	s.mu.Lock()
	s.sink, s.ctx = sink, ctx
	s.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.server.Serve(s.listener) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.closeConnections()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *Server) Cleanup(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.closeConnections()
	err := s.server.Shutdown(ctx)
	_ = s.listener.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
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

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	sink, ctx := s.sink, s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	if sink == nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "not accepting input yet"))
		return
	}

	logger.InfoContext(ctx, "adapter connected", "remote", r.RemoteAddr)
	s.readLoop(ctx, conn, sink)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sink providers.Sink) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnContext(ctx, "adapter connection lost", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		raw, err := decodeFrame(data)
		if err != nil {
			logger.WarnContext(ctx, "dropping malformed frame", "error", err)
			continue
		}
		sink(ctx, raw)
	}
}

func decodeFrame(data []byte) (messages.RawData, error) {
	var raw messages.RawData
	if err := json.Unmarshal(data, &raw); err != nil {
		return messages.RawData{}, fmt.Errorf("invalid frame: %w", err)
	}
	if raw.Kind == "" {
		return messages.RawData{}, fmt.Errorf("invalid frame: kind is required")
	}
	if raw.SourceID == "" {
		raw.SourceID = Name
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now()
	}
	return raw, nil
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
