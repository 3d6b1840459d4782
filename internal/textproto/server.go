// Package textproto implements the Master's client text protocol (spec
// §6.4): a line-based, CRLF-terminated command set (SET/GET/MSR/EXT) served
// to any number of concurrently connected clients over TCP. It is grounded
// on the teacher's internal/server.Server accept loop (net.Listener,
// per-connection reader/writer goroutines, lastErr/errCh plumbing) adapted
// from a binary CAN-frame codec to a hand-written line parser, and on
// internal/hub for fanning status-change notifications out to every client.
package textproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyrdmeister/atmd-go/internal/hub"
	"github.com/wyrdmeister/atmd-go/internal/logging"
	"github.com/wyrdmeister/atmd-go/internal/metrics"
	"github.com/wyrdmeister/atmd-go/internal/model"
	"github.com/wyrdmeister/atmd-go/internal/persist"
)

const (
	defaultReadDeadline = 5 * time.Minute
)

// Server owns the TCP listener and coordinates client lifecycle for the
// text protocol.
type Server struct {
	mu        sync.RWMutex
	addr      string
	ctrl      Controller
	store     *MeasureStore
	bridge    *persist.Bridge
	Hub       *hub.Hub[string]
	def       model.MeasureDef
	tdmaCycle uint32

	status statusBox

	readDeadline time.Duration
	maxClients   int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener   net.Listener
	clientsMu  sync.RWMutex
	clients    map[*hub.Client[string]]net.Conn
	wg         sync.WaitGroup
	logger     *slog.Logger
	nextConnID uint64

	ctx context.Context
}

// Option configures a Server at construction time.
type Option func(*Server)

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }
func WithHub(h *hub.Hub[string]) Option { return func(s *Server) { s.Hub = h } }
func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}
func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds a text-protocol Server. ctrl drives the Agent fleet,
// store is the in-memory measures store, bridge persists explicit MSR SAV
// requests to disk.
func NewServer(ctrl Controller, store *MeasureStore, bridge *persist.Bridge, opts ...Option) *Server {
	s := &Server{
		ctrl:         ctrl,
		store:        store,
		bridge:       bridge,
		Hub:          hub.New[string](),
		readDeadline: defaultReadDeadline,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		clients:      make(map[*hub.Client[string]]net.Conn),
		logger:       logging.L(),
	}
	s.status.set(Status{Kind: StatusIdle})
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// SetParam applies one SET-equivalent update from outside a client
// connection (e.g. a config file default loaded at startup).
func (s *Server) SetParam(key, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setParam(&s.def, &s.tdmaCycle, key, val)
}

// SetStatus updates the board status and broadcasts it to every connected
// client, so a measure finishing autonomously (all agents TERM) is visible
// without a client having to poll MSR STATUS.
func (s *Server) SetStatus(st Status) {
	s.status.set(st)
	if s.Hub != nil {
		s.Hub.Broadcast("STATUS " + st.String())
	}
}

// Serve accepts TCP clients and spawns reader/writer goroutines until ctx
// is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.ctx = ctx
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("textproto_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		_ = conn.Close()
		return nil
	}
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	client := s.Hub.NewClient()
	s.Hub.Add(client)
	s.clientsMu.Lock()
	s.clients[client] = conn
	s.clientsMu.Unlock()
	connLogger.Info("client_connected")

	s.startWriter(ctx.Done(), conn, client, connLogger)
	s.startReader(ctx.Done(), conn, client, connLogger)
	return nil
}

func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client[string], logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()

		scanner := bufio.NewScanner(conn)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
				}
				return
			}
			line := strings.TrimRight(scanner.Text(), "\r")
			if line == "" {
				continue
			}
			resp, closeAfter := s.handleLine(line)
			select {
			case cl.Out <- resp:
			case <-cl.Closed:
				return
			case <-ctxDone:
				return
			}
			if closeAfter {
				cl.Close()
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client[string], logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.Hub.Remove(cl)
			s.clientsMu.Lock()
			delete(s.clients, cl)
			s.clientsMu.Unlock()
			logger.Info("client_disconnected")
		}()
		w := bufio.NewWriter(conn)
		for {
			select {
			case line := <-cl.Out:
				if _, err := w.WriteString(line + "\r\n"); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					return
				}
				if err := w.Flush(); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					return
				}
			case <-cl.Closed:
				return
			case <-ctxDone:
				return
			}
		}
	}()
}

// handleLine dispatches one parsed command line to its handler, returning
// the response line and whether the connection should close after sending
// it (EXT).
func (s *Server) handleLine(line string) (response string, closeAfter bool) {
	verb, args := parseLine(line)
	switch verb {
	case "":
		return "ERR empty_command", false
	case "SET":
		if len(args) != 2 {
			return fmt.Sprintf("ERR %v", ErrBadArgs), false
		}
		if err := s.SetParam(args[0], args[1]); err != nil {
			return fmt.Sprintf("ERR %v", err), false
		}
		return "OK", false
	case "GET":
		if len(args) != 1 {
			return fmt.Sprintf("ERR %v", ErrBadArgs), false
		}
		s.mu.RLock()
		def, tdma := s.def, s.tdmaCycle
		s.mu.RUnlock()
		v, err := getParam(def, tdma, args[0])
		if err != nil {
			return fmt.Sprintf("ERR %v", err), false
		}
		return "OK " + v, false
	case "MSR":
		if len(args) == 0 {
			return fmt.Sprintf("ERR %v", ErrBadArgs), false
		}
		return s.handleMSR(args[0], args[1:]), false
	case "EXT":
		return "OK", true
	default:
		return fmt.Sprintf("ERR %v: %s", ErrUnknownVerb, verb), false
	}
}

// Shutdown closes the listener and every connected client, waiting for
// in-flight goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.Hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		return nil
	}
}
