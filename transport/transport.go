// Package transport provides framed TCP connections for the broker RPC
// protocol: a server accept loop dispatching typed messages to handlers, and
// a client side Dial returning a Conn usable for request/response calls.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/semioz/rafka/protocol"
)

var ErrClosed = errors.New("transport: connection closed")

// Handler processes one decoded request and returns the response message.
// Returning a *protocol.RPCError sends the error envelope to the client and
// keeps the connection open.
type Handler func(ctx context.Context, msg any) (any, error)

// Server accepts connections and dispatches decoded frames to registered
// handlers. One goroutine per connection; requests on a connection are
// processed in order.
type Server struct {
	mu       sync.Mutex
	codec    *protocol.Codec
	handlers map[protocol.MessageType]Handler
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	logger   *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		codec:      &protocol.Codec{},
		handlers:   make(map[protocol.MessageType]Handler),
		conns:      make(map[net.Conn]struct{}),
		logger:     logger.Named("transport"),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// RegisterHandler binds a message type to a handler. Not safe to call once
// the server is serving.
func (s *Server) RegisterHandler(msgType protocol.MessageType, h Handler) {
	s.handlers[msgType] = h
}

func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln, nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.removeConn(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := s.Listen(addr)
	if err != nil {
		return err
	}
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	s.Serve(ln)
	return nil
}

// Close stops accepting, closes every open connection, and waits for the
// handlers to exit. Idle connections do not hold shutdown up.
func (s *Server) Close() error {
	s.cancelBase()
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.ln = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	for {
		mType, msg, err := s.codec.Decode(conn)
		if err != nil {
			if err != io.EOF && s.baseCtx.Err() == nil {
				s.logger.Warn("read failed",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Error(err),
				)
			}
			return
		}
		handler := s.handlers[mType]
		if handler == nil {
			s.logger.Warn("no handler for message type", zap.Uint16("type", uint16(mType)))
			return
		}
		resp, err := handler(s.baseCtx, msg)
		if err == nil && resp == nil {
			// Fire-and-forget request, no response frame.
			continue
		}
		if err != nil {
			var rpcErr *protocol.RPCError
			if !errors.As(err, &rpcErr) {
				rpcErr = &protocol.RPCError{Code: protocol.CodeUnknown, Message: err.Error()}
			}
			resp = rpcErr
		}
		if err := s.codec.Encode(conn, resp); err != nil {
			s.logger.Warn("write failed",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(err),
			)
			return
		}
	}
}

// Conn is the client side of a framed connection. Not safe for concurrent
// Call; callers serialize or use one Conn per goroutine.
type Conn struct {
	conn  net.Conn
	codec *protocol.Codec
}

func Dial(addr string) (*Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, codec: &protocol.Codec{}}, nil
}

// Call sends msg and waits for the single response frame.
func (c *Conn) Call(msg any) (any, error) {
	if err := c.Send(msg); err != nil {
		return nil, err
	}
	_, resp, err := c.Receive()
	return resp, err
}

func (c *Conn) Send(msg any) error {
	return c.codec.Encode(c.conn, msg)
}

func (c *Conn) Receive() (protocol.MessageType, any, error) {
	return c.codec.Decode(c.conn)
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
