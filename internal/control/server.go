// Package control carries operator commands to the daemon over a unix socket:
// one JSON request line in, one JSON response line out.
package control

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/logger"
	"github.com/turtacn/vigil/pkg/protocol"
)

// Handler executes one command.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req protocol.Request) protocol.Response

func (f HandlerFunc) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	return f(ctx, req)
}

// Server accepts control connections on a unix socket.
type Server struct {
	path    string
	mode    os.FileMode
	handler Handler
	timeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// NewServer creates a server for path. mode is applied to the socket file.
func NewServer(path string, mode os.FileMode, h Handler) *Server {
	return &Server{path: path, mode: mode, handler: h, timeout: consts.DefaultControlTimeout}
}

// Prepare creates the socket, replacing a leftover file from a previous run.
func (s *Server) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	if _, err := os.Stat(s.path); err == nil {
		os.Remove(s.path)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, s.mode); err != nil {
		l.Close()
		return err
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled, then removes the socket.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Prepare(); err != nil {
		return err
	}
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	logger.Log.Info("Control: Listening", "socket", s.path)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logger.Log.Error("Control: Accept failed", "err", err)
			s.shutdown()
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.shutdown()
	return ctx.Err()
}

func (s *Server) shutdown() {
	s.conns.Wait()
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	os.Remove(s.path)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var resp protocol.Response
	var req protocol.Request
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		logger.Log.Debug("Control: Read failed", "err", err)
		return
	}
	if err := json.Unmarshal(line, &req); err != nil {
		resp = ErrorResponse(verrors.New(verrors.ErrCodeInvalidCommand, "Decode", "malformed request", err))
	} else {
		hctx, cancel := context.WithTimeout(ctx, s.timeout)
		resp = s.handler.Handle(hctx, req)
		cancel()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		logger.Log.Error("Control: Encode failed", "err", err)
		return
	}
	_, _ = conn.Write(append(data, '\n'))
}

func (s *Server) String() string { return "control" }

// ErrorResponse renders err with its code.
func ErrorResponse(err error) protocol.Response {
	return protocol.Response{OK: false, Error: err.Error(), Code: int(verrors.CodeOf(err))}
}

// Personal.AI order the ending
