package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Server accepts worker WebSocket connections and dispatches request
// frames to the Handler. Each connection negotiates its codec via the
// "codec" query parameter at upgrade time; JSON is the default.
type Server struct {
	addr         string
	path         string
	handler      *Handler
	defaultCodec Codec
	logger       *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerCodec sets the default codec for connections that do not
// request one.
func WithServerCodec(codec Codec) ServerOption {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithServerPath sets the WebSocket endpoint path. Default is "/wire".
func WithServerPath(path string) ServerOption {
	return func(s *Server) { s.path = path }
}

// NewServer creates a wire server listening on addr.
func NewServer(addr string, handler *Handler, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:         addr,
		path:         "/wire",
		handler:      handler,
		defaultCodec: &JSONCodec{},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)

	s.mu.Lock()
	s.listener = ln
	s.server = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serveErr := s.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("wire server failed", slog.String("error", serveErr.Error()))
		}
	}()

	s.logger.Info("wire server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", s.path),
	)
	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Close shuts the server down and drops all connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	codec := s.defaultCodec
	if name := r.URL.Query().Get("codec"); name != "" {
		codec = GetCodec(name)
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}

	remote := conn.RemoteAddr().String()
	s.logger.Debug("wire connection opened",
		slog.String("remote", remote),
		slog.String("codec", codec.Name()),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		s.serveConn(conn, codec, remote)
		s.logger.Debug("wire connection closed", slog.String("remote", remote))
	}()
}

// serveConn is the per-connection frame loop. Each request frame runs
// on its own goroutine so a proposal blocked on consensus cannot stall
// pings or later requests on the same connection; the client correlates
// responses by frame ID, so ordering across requests is not promised.
func (s *Server) serveConn(conn net.Conn, codec Codec, remote string) {
	var (
		writeMu  sync.Mutex
		handlers sync.WaitGroup
	)
	defer handlers.Wait()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			errFrame := NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())
			if writeErr := s.writeFrame(conn, &writeMu, op, codec, errFrame); writeErr != nil {
				return
			}
			continue
		}

		if frame.Type == FramePing {
			pong := &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			}
			if writeErr := s.writeFrame(conn, &writeMu, op, codec, pong); writeErr != nil {
				return
			}
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			resp := s.handler.Handle(context.Background(), frame, remote)
			if resp == nil {
				return
			}
			if writeErr := s.writeFrame(conn, &writeMu, op, codec, resp); writeErr != nil {
				s.logger.Debug("wire response write failed",
					slog.String("remote", remote),
					slog.String("error", writeErr.Error()),
				)
			}
		}()
	}
}

// writeFrame encodes and writes a frame using the client's opcode, so
// JSON connections get text frames and msgpack connections get binary.
// The per-connection mutex keeps concurrent handler responses from
// interleaving on the socket.
func (s *Server) writeFrame(conn net.Conn, mu *sync.Mutex, op ws.OpCode, codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return wsutil.WriteServerMessage(conn, op, data)
}
