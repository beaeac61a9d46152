package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"argus-soar/internal/normalize"
	"argus-soar/internal/operatorq"
	"argus-soar/internal/queue"
)

// TCPConfig holds configuration for the newline-JSON TCP listener.
type TCPConfig struct {
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile     string        `yaml:"tls_key_file,omitempty"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// DefaultTCPConfig returns the default TCP listener configuration.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		Address:        ":5515",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
	}
}

// TCPServer receives raw events as newline-delimited JSON objects, one
// event per line.
type TCPServer struct {
	config     TCPConfig
	listener   net.Listener
	normalizer *normalize.Normalizer
	buffer     *queue.EventBuffer
	triage     operatorq.Queue
	logger     *slog.Logger

	connCount int32
	wg        sync.WaitGroup
	done      chan struct{}

	received uint64
	queued   uint64
	errCount uint64
}

// NewTCPServer creates a TCP listener. triage may be nil.
func NewTCPServer(cfg TCPConfig, normalizer *normalize.Normalizer, buffer *queue.EventBuffer, triage operatorq.Queue, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		config:     cfg,
		normalizer: normalizer,
		buffer:     buffer,
		triage:     triage,
		logger:     logger.With("component", "ingest-tcp"),
		done:       make(chan struct{}),
	}
}

// Start begins accepting connections.
func (s *TCPServer) Start(ctx context.Context) error {
	var listener net.Listener
	var err error

	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return err
		}
		listener, err = tls.Listen("tcp", s.config.Address, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return err
		}
	} else {
		listener, err = net.Listen("tcp", s.config.Address)
		if err != nil {
			return err
		}
	}
	s.listener = listener

	s.logger.Info("tcp listener started",
		"address", listener.Addr().String(),
		"tls", s.config.TLSEnabled)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address, for tests using ":0".
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("accept error", "error", err)
				continue
			}
		}

		if atomic.LoadInt32(&s.connCount) >= int32(s.config.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		atomic.AddInt32(&s.connCount, 1)
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.connCount, -1)
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, s.config.MaxLineLength)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			s.logger.Debug("read error", "remote", conn.RemoteAddr(), "error", err)
			return
		}

		atomic.AddUint64(&s.received, 1)
		s.processLine(ctx, line)
	}
}

func (s *TCPServer) processLine(ctx context.Context, line []byte) {
	var raw normalize.RawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		atomic.AddUint64(&s.errCount, 1)
		s.logger.Debug("undecodable line", "error", err)
		return
	}

	event, err := s.normalizer.Normalize(raw)
	if err != nil {
		atomic.AddUint64(&s.errCount, 1)
		if normalize.IsSchemaError(err) && s.triage != nil {
			item := &operatorq.TriageItem{
				Kind:   operatorq.KindNormalizeError,
				Source: raw.Source,
				Detail: err.Error(),
			}
			if pushErr := s.triage.Push(ctx, item); pushErr != nil {
				s.logger.Warn("triage enqueue failed", "error", pushErr)
			}
		}
		return
	}

	if err := s.buffer.Push(event); err != nil {
		atomic.AddUint64(&s.errCount, 1)
		s.logger.Warn("buffer push failed", "error", err)
		return
	}
	atomic.AddUint64(&s.queued, 1)
}

// Stop closes the listener and waits for connections to finish.
func (s *TCPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

// TCPStats reports listener counters.
type TCPStats struct {
	Received uint64 `json:"received"`
	Queued   uint64 `json:"queued"`
	Errors   uint64 `json:"errors"`
}

// Stats returns listener counters.
func (s *TCPServer) Stats() TCPStats {
	return TCPStats{
		Received: atomic.LoadUint64(&s.received),
		Queued:   atomic.LoadUint64(&s.queued),
		Errors:   atomic.LoadUint64(&s.errCount),
	}
}
