/*
Package ckptserver runs the checkpoint service's TCP front end: a
listener accepts connections and hands each one to a fixed pool of
worker goroutines, mirroring the reference service's ROUTER/DEALER
proxy feeding a pool of REP-socket worker threads. Each accepted
connection carries exactly one request/response exchange, matching
ZeroMQ REQ/REP semantics and keeping pkg/ckptwire's Decode (which reads
one message per call) correct without needing a shared buffered
reader across calls.
*/
package ckptserver

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lattice-ml/lattice-agent/pkg/ckptstore"
	"github.com/lattice-ml/lattice-agent/pkg/ckptwire"
	"github.com/lattice-ml/lattice-agent/pkg/log"
	"github.com/lattice-ml/lattice-agent/pkg/metrics"
)

// DefaultNumWorkers matches the reference service's default thread count.
const DefaultNumWorkers = 4

// Config configures a Server.
type Config struct {
	ListenAddr string
	NumWorkers int
	Store      *ckptstore.Store
}

// Server is the checkpoint service's network front end.
type Server struct {
	cfg      Config
	listener net.Listener
	logger   zerolog.Logger

	connCh chan net.Conn
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a Server; it does not start listening until Serve is called.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("ckptserver: Config.Store is required")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultNumWorkers
	}
	return &Server{
		cfg:    cfg,
		logger: log.WithComponent("ckptserver"),
		connCh: make(chan net.Conn),
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}, nil
}

// Serve listens on cfg.ListenAddr and dispatches accepted connections
// to the worker pool. It blocks until Close is called, at which point
// it returns nil.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ckptserver: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Int("workers", s.cfg.NumWorkers).Msg("checkpoint service listening")
	s.readyOnce.Do(func() { close(s.ready) })

	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				close(s.connCh)
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("ckptserver: accept: %w", err)
			}
		}
		s.connCh <- conn
	}
}

// Addr blocks until Serve has bound its listener and returns its
// address, useful when ListenAddr uses port 0.
func (s *Server) Addr() string {
	<-s.ready
	return s.listener.Addr().String()
}

// Close stops accepting new connections and returns at once; Serve
// then waits for in-flight requests to finish before it returns.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	return nil
}

func (s *Server) workerLoop(id int) {
	defer s.wg.Done()
	logger := s.logger.With().Int("worker_id", id).Logger()
	for conn := range s.connCh {
		s.handleConn(logger, conn)
	}
}

func (s *Server) handleConn(logger zerolog.Logger, conn net.Conn) {
	defer conn.Close()

	req, err := ckptwire.Decode(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to decode checkpoint request")
		return
	}

	resp := s.handle(req)
	recordMetrics(req, resp)
	if err := ckptwire.Encode(conn, resp); err != nil {
		logger.Warn().Err(err).Str("type", req.Type.String()).Msg("failed to encode checkpoint response")
	}
}

// recordMetrics tags every request/response pair with its outcome,
// keyed by the request type so a scrape can see e.g. SAVE error rates
// distinct from ACQUIRE contention.
func recordMetrics(req, resp ckptwire.Message) {
	outcome := "ok"
	if resp.Type == ckptwire.ErrType {
		outcome = "error"
	}
	metrics.CheckpointOpsTotal.WithLabelValues(req.Type.String(), outcome).Inc()

	switch req.Type {
	case ckptwire.Save:
		if outcome == "ok" {
			metrics.CheckpointSizeBytes.Observe(float64(len(req.Body)))
		}
	case ckptwire.Acquire:
		if outcome == "ok" && string(resp.Body) == string(req.Body) {
			metrics.CheckpointLocksHeld.Inc()
		}
	case ckptwire.Release:
		if outcome == "ok" {
			metrics.CheckpointLocksHeld.Dec()
		}
	}
}

func (s *Server) handle(req ckptwire.Message) ckptwire.Message {
	switch req.Type {
	case ckptwire.Ping:
		return ckptwire.Message{Type: ckptwire.Ping, Body: ckptwire.Ack}

	case ckptwire.List:
		listing := s.cfg.Store.List(req.JobID)
		return ckptwire.Message{Type: ckptwire.List, JobID: req.JobID, Body: encodeListing(listing)}

	case ckptwire.Save:
		if err := s.cfg.Store.Save(req.JobID, req.UID, req.CkptName, req.Body); err != nil {
			return ckptwire.NewError(req.JobID, req.UID, req.CkptName, err.Error())
		}
		return ckptwire.Message{Type: ckptwire.Save, JobID: req.JobID, UID: req.UID, CkptName: req.CkptName, Body: ckptwire.Ack}

	case ckptwire.Load:
		body, err := s.cfg.Store.Load(req.JobID, req.UID, req.CkptName)
		if err != nil {
			return ckptwire.NewError(req.JobID, req.UID, req.CkptName, err.Error())
		}
		return ckptwire.Message{Type: ckptwire.Load, JobID: req.JobID, UID: req.UID, CkptName: req.CkptName, Body: body}

	case ckptwire.Del:
		if err := s.cfg.Store.Delete(req.JobID, req.UID, req.CkptName); err != nil {
			return ckptwire.NewError(req.JobID, req.UID, req.CkptName, err.Error())
		}
		return ckptwire.Message{Type: ckptwire.Del, JobID: req.JobID, UID: req.UID, CkptName: req.CkptName, Body: ckptwire.Ack}

	case ckptwire.Acquire:
		holder := s.cfg.Store.Acquire(req.JobID, req.UID, req.CkptName, req.Body)
		return ckptwire.Message{Type: ckptwire.Acquire, JobID: req.JobID, UID: req.UID, CkptName: req.CkptName, Body: holder}

	case ckptwire.Release:
		if err := s.cfg.Store.Release(req.JobID, req.UID, req.CkptName); err != nil {
			return ckptwire.NewError(req.JobID, req.UID, req.CkptName, err.Error())
		}
		return ckptwire.Message{Type: ckptwire.Release, JobID: req.JobID, UID: req.UID, CkptName: req.CkptName, Body: ckptwire.Ack}

	default:
		return ckptwire.NewError(req.JobID, req.UID, req.CkptName, fmt.Sprintf("unknown request type %v", req.Type))
	}
}

// encodeListing flattens a uid->names listing into a simple
// newline/tab delimited body; it is consumed only by ckptclient, which
// decodes with the matching helper in that package.
func encodeListing(listing map[string][]string) []byte {
	var out []byte
	for uid, names := range listing {
		for _, name := range names {
			out = append(out, []byte(uid+"\t"+name+"\n")...)
		}
	}
	return out
}
