package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS detection_events (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	language TEXT NOT NULL,
	text_length INTEGER NOT NULL,
	entity_count INTEGER NOT NULL,
	entity_types TEXT NOT NULL DEFAULT '',
	risk_level TEXT NOT NULL,
	is_safe BOOLEAN NOT NULL,
	generation BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_detection_events_created_at ON detection_events (created_at);
CREATE INDEX IF NOT EXISTS idx_detection_events_risk_level ON detection_events (risk_level);`

// Store persists detection events to PostgreSQL. Writes go through an
// in-memory queue drained by a single writer goroutine, so the
// detection path never blocks on the database. When the queue is full
// the event is dropped and counted, never the request.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue   chan *Event
	dropped int64
	mu      sync.Mutex
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewStore connects to PostgreSQL and ensures the events table exists.
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	store := &Store{
		db:     db,
		logger: logger,
		queue:  make(chan *Event, queueSize),
		done:   make(chan struct{}),
	}

	logger.Info("Audit store initialized",
		zap.Int("queue_size", queueSize),
		zap.Int("max_open_conns", config.MaxOpenConns))
	return store, nil
}

// Start launches the background writer.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.writer()
}

// Record enqueues an event for persistence. Non-blocking.
func (s *Store) Record(event *Event) {
	select {
	case s.queue <- event:
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		if dropped%100 == 1 {
			s.logger.Warn("Audit queue full, dropping events",
				zap.Int64("dropped_total", dropped))
		}
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.queue:
			s.insert(event)
		case <-s.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case event := <-s.queue:
					s.insert(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const query = `
		INSERT INTO detection_events
			(request_id, language, text_length, entity_count, entity_types, risk_level, is_safe, generation, duration_ms, created_at)
		VALUES
			(:request_id, :language, :text_length, :entity_count, :entity_types, :risk_level, :is_safe, :generation, :duration_ms, :created_at)`

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NamedExecContext(ctx, query, event); err != nil {
		s.logger.Error("Failed to insert audit event",
			zap.Error(err),
			zap.String("request_id", event.RequestID))
	}
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var events []Event
	const query = `
		SELECT id, request_id, language, text_length, entity_count, entity_types, risk_level, is_safe, generation, duration_ms, created_at
		FROM detection_events
		ORDER BY created_at DESC
		LIMIT $1`
	if err := s.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// Since returns all events created at or after the cutoff, oldest
// first. Used by the export tool.
func (s *Store) Since(ctx context.Context, cutoff time.Time) ([]Event, error) {
	var events []Event
	const query = `
		SELECT id, request_id, language, text_length, entity_count, entity_types, risk_level, is_safe, generation, duration_ms, created_at
		FROM detection_events
		WHERE created_at >= $1
		ORDER BY created_at ASC`
	if err := s.db.SelectContext(ctx, &events, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// Close stops the writer, drains the queue, and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
