// Package audit is the optional operational audit trail: every REST call
// outcome and gateway status transition, persisted to MySQL through sqlx
// with a sqlhooks timing hook. It records operator-facing outcomes, never
// Discord message content.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/qustavo/sqlhooks/v2"
	"go.uber.org/zap"

	gocord "gocord"
)

// Config controls whether and where the audit trail is written.
type Config struct {
	Enabled      bool
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	QueueSize    int
}

type ctxKey string

const startedAtKey ctxKey = "audit_started_at"

type timingHook struct{}

func (timingHook) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	return context.WithValue(ctx, startedAtKey, time.Now()), nil
}

func (timingHook) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	return ctx, nil
}

var driverRegistered bool

func registerDriverOnce() {
	if driverRegistered {
		return
	}
	sql.Register("audit_mysql", sqlhooks.Wrap(&mysqldriver.MySQLDriver{}, timingHook{}))
	driverRegistered = true
}

// RequestRecord is one REST call outcome.
type RequestRecord struct {
	At         time.Time
	Method     string
	Route      string
	Status     int
	Attempt    int
	Kind       gocord.Kind
	DurationMs int64
}

// TransitionRecord is one gateway status change.
type TransitionRecord struct {
	At     time.Time
	Status string
}

// Sink is the write side of the audit trail. RecordRequest matches
// rest.AuditSink so an *MySQLSink plugs directly into rest.Config.Audit.
type Sink interface {
	RecordRequest(method, route string, status int, attempt int, kind gocord.Kind, durationMs int64)
	RecordGatewayTransition(status string)
	Close()
}

// NoopSink is used when AuditConfig.Enabled is false: zero latency, zero
// allocation beyond the interface call itself.
type NoopSink struct{}

func (NoopSink) RecordRequest(string, string, int, int, gocord.Kind, int64) {}
func (NoopSink) RecordGatewayTransition(string)                            {}
func (NoopSink) Close()                                                    {}

// MySQLSink persists records asynchronously: callers never block on the
// database, matching the REST/gateway engines' latency budget.
type MySQLSink struct {
	db     *sqlx.DB
	queue  chan interface{}
	done   chan struct{}
	log    *zap.Logger
}

func New(cfg Config, log *zap.Logger) (Sink, error) {
	if !cfg.Enabled {
		return NoopSink{}, nil
	}
	if log == nil {
		log = zap.L()
	}

	registerDriverOnce()
	db, err := sqlx.Connect("audit_mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("audit: schema: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &MySQLSink{db: db, queue: make(chan interface{}, queueSize), done: make(chan struct{}), log: log}
	go s.worker()
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS gocord_rest_audit (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	at DATETIME NOT NULL,
	method VARCHAR(8) NOT NULL,
	route VARCHAR(255) NOT NULL,
	status INT NOT NULL,
	attempt INT NOT NULL,
	kind VARCHAR(32) NOT NULL,
	duration_ms BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS gocord_gateway_audit (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	at DATETIME NOT NULL,
	status VARCHAR(32) NOT NULL
);
`

func (s *MySQLSink) RecordRequest(method, route string, status int, attempt int, kind gocord.Kind, durationMs int64) {
	s.enqueue(RequestRecord{At: time.Now(), Method: method, Route: route, Status: status, Attempt: attempt, Kind: kind, DurationMs: durationMs})
}

func (s *MySQLSink) RecordGatewayTransition(status string) {
	s.enqueue(TransitionRecord{At: time.Now(), Status: status})
}

func (s *MySQLSink) enqueue(rec interface{}) {
	select {
	case s.queue <- rec:
	default:
		s.log.Warn("audit: queue full, dropping record")
	}
}

func (s *MySQLSink) worker() {
	defer close(s.done)
	for rec := range s.queue {
		switch r := rec.(type) {
		case RequestRecord:
			if _, err := s.db.Exec(
				`INSERT INTO gocord_rest_audit (at, method, route, status, attempt, kind, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				r.At, r.Method, r.Route, r.Status, r.Attempt, string(r.Kind), r.DurationMs); err != nil {
				s.log.Warn("audit: insert failed", zap.Error(err))
			}
		case TransitionRecord:
			if _, err := s.db.Exec(`INSERT INTO gocord_gateway_audit (at, status) VALUES (?, ?)`, r.At, r.Status); err != nil {
				s.log.Warn("audit: insert failed", zap.Error(err))
			}
		}
	}
}

func (s *MySQLSink) Close() {
	close(s.queue)
	<-s.done
	_ = s.db.Close()
}
