// Package protocol serves the SQL executor over the PostgreSQL wire protocol.
// Only the simple query protocol is supported.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adrianmcphee/s3orm"
	"github.com/adrianmcphee/s3orm/internal/executor"
	"github.com/jackc/pgproto3/v2"
)

// ServerVersion is reported to clients in the server_version parameter
const ServerVersion = "15.0 (s3orm)"

// Type OIDs sent in RowDescription
const (
	oidBool   = 16
	oidInt8   = 20
	oidText   = 25
	oidFloat8 = 701
)

const (
	metricConnections = "s3orm.protocol.connections"
	metricQueries     = "s3orm.protocol.queries" // status
	metricQueryTime   = "s3orm.protocol.query_duration"
)

// Server handles PostgreSQL wire protocol connections
type Server struct {
	addr     string
	executor *executor.Executor
	logger   s3orm.Logger
	metrics  s3orm.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	nextPID  atomic.Uint32
}

// NewServer creates a server for db listening on addr, e.g. ":5433".
// Logging and metrics go through the DB's Logger and Metrics.
func NewServer(addr string, db *s3orm.DB) *Server {
	return &Server{
		addr:     addr,
		executor: executor.NewExecutor(db),
		logger:   db.Logger(),
		metrics:  db.Metrics(),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket without accepting connections
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("s3orm listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until ctx is cancelled or Close is called
func (s *Server) Start(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve accepts connections on a listener bound by Listen
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timeout", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
		}()
	}
}

// Close stops accepting, closes open connections and waits for their
// handlers to return
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.metrics.Gauge(metricConnections, float64(len(s.conns)))
	return true
}

func (s *Server) untrack(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	s.metrics.Gauge(metricConnections, float64(len(s.conns)))
}

// handleConnection runs startup and then the query loop for one client
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)

	if err := s.startup(backend, conn); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Warn("startup failed", "remote", remote, "error", err)
		}
		return
	}

	// Extended protocol messages are answered with one error per Sync
	failedBatch := false
	for {
		msg, err := backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || s.isClosed() {
				s.logger.Debug("client disconnected", "remote", remote)
			} else {
				s.logger.Warn("receive error", "remote", remote, "error", err)
			}
			return
		}

		var buf []byte
		switch m := msg.(type) {
		case *pgproto3.Query:
			buf = s.handleQuery(ctx, m.String)
		case *pgproto3.Terminate:
			s.logger.Debug("client terminated connection", "remote", remote)
			return
		case *pgproto3.Sync:
			failedBatch = false
			buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(nil)
		case *pgproto3.Flush:
			continue
		default:
			if failedBatch {
				continue
			}
			failedBatch = true
			s.logger.Debug("unsupported message", "remote", remote, "type", fmt.Sprintf("%T", msg))
			buf = (&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     "0A000",
				Message:  "only the simple query protocol is supported",
			}).Encode(nil)
		}

		if _, err := conn.Write(buf); err != nil {
			s.logger.Warn("write error", "remote", remote, "error", err)
			return
		}
	}
}

// startup declines SSL, accepts the startup message without
// authentication and announces the session parameters
func (s *Server) startup(backend *pgproto3.Backend, conn net.Conn) error {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return fmt.Errorf("write SSL response: %w", err)
			}
			continue
		case *pgproto3.CancelRequest:
			return io.EOF
		case *pgproto3.StartupMessage:
			s.logger.Debug("startup",
				"remote", conn.RemoteAddr().String(),
				"database", m.Parameters["database"],
				"user", m.Parameters["user"],
			)
		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
		break
	}

	buf := (&pgproto3.AuthenticationOk{}).Encode(nil)
	for _, p := range [][2]string{
		{"server_version", ServerVersion},
		{"client_encoding", "UTF8"},
		{"server_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"TimeZone", "UTC"},
		{"integer_datetimes", "on"},
		{"standard_conforming_strings", "on"},
	} {
		buf = (&pgproto3.ParameterStatus{Name: p[0], Value: p[1]}).Encode(buf)
	}
	buf = (&pgproto3.BackendKeyData{ProcessID: s.nextPID.Add(1), SecretKey: 0}).Encode(buf)
	buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)

	_, err := conn.Write(buf)
	return err
}

// handleQuery runs one simple query and returns the encoded response,
// ending with ReadyForQuery
func (s *Server) handleQuery(ctx context.Context, query string) []byte {
	start := time.Now()
	s.logger.Debug("query", "sql", query)

	var buf []byte
	trimmed := strings.TrimSuffix(strings.TrimSpace(query), ";")

	switch {
	case trimmed == "":
		buf = (&pgproto3.EmptyQueryResponse{}).Encode(buf)
		s.metrics.Increment(metricQueries, "status", "ok")

	case strings.EqualFold(trimmed, "SELECT version()"):
		buf = (&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			field("version", s3orm.TypeString),
		}}).Encode(buf)
		buf = (&pgproto3.DataRow{Values: [][]byte{[]byte("PostgreSQL " + ServerVersion)}}).Encode(buf)
		buf = (&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}).Encode(buf)
		s.metrics.Increment(metricQueries, "status", "ok")

	default:
		result, err := s.executor.Execute(ctx, trimmed)
		if err != nil {
			s.logger.Debug("query failed", "sql", query, "error", err)
			buf = (&pgproto3.ErrorResponse{
				Severity: "ERROR",
				Code:     sqlState(err),
				Message:  err.Error(),
			}).Encode(buf)
			s.metrics.Increment(metricQueries, "status", "error")
			break
		}
		buf = encodeResult(buf, result)
		s.metrics.Increment(metricQueries, "status", "ok")
	}

	s.metrics.Timing(metricQueryTime, time.Since(start))
	return (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
}

func encodeResult(buf []byte, result *executor.Result) []byte {
	if len(result.Columns) > 0 {
		fields := make([]pgproto3.FieldDescription, len(result.Columns))
		for i, col := range result.Columns {
			fields[i] = field(col.Name, col.Type)
		}
		buf = (&pgproto3.RowDescription{Fields: fields}).Encode(buf)

		for _, row := range result.Rows {
			values := make([][]byte, len(row))
			for i, v := range row {
				if v.Valid {
					values[i] = []byte(v.String)
				}
			}
			buf = (&pgproto3.DataRow{Values: values}).Encode(buf)
		}
	}
	return (&pgproto3.CommandComplete{CommandTag: []byte(result.Message)}).Encode(buf)
}

func field(name string, t s3orm.FieldType) pgproto3.FieldDescription {
	oid, size := typeOID(t)
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  oid,
		DataTypeSize: size,
		TypeModifier: -1,
		Format:       0,
	}
}

// typeOID maps a field type to a PostgreSQL type. Dates, JSON and arrays
// are sent as text.
func typeOID(t s3orm.FieldType) (uint32, int16) {
	switch t {
	case s3orm.TypeInteger:
		return oidInt8, 8
	case s3orm.TypeFloat:
		return oidFloat8, 8
	case s3orm.TypeBoolean:
		return oidBool, 1
	default:
		return oidText, -1
	}
}

// sqlState maps errors to PostgreSQL error codes
func sqlState(err error) string {
	switch {
	case errors.Is(err, executor.ErrSyntax):
		return "42601"
	case s3orm.IsUniqueViolation(err):
		return "23505"
	case errors.Is(err, s3orm.ErrUnknownModel):
		return "42P01"
	case errors.Is(err, s3orm.ErrUnknownField):
		return "42703"
	case errors.Is(err, s3orm.ErrStoreUnavailable), errors.Is(err, s3orm.ErrTimeout):
		return "08006"
	}
	return "XX000"
}
