// Package logger implements a non-blocking, batched request logger.
//
// Entries are written to a buffered channel and flushed in batches by a
// background goroutine, so logging never blocks the streaming path. If the
// channel fills up, new entries are dropped and counted in DroppedLogs. Each
// batch is handed to every configured Sink.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog describes one chat completion request.
type RequestLog struct {
	RequestID string
	Provider  string
	Model     string
	Username  string
	// Outcome is one of the metrics.Outcome* values.
	Outcome   string
	Status    uint16
	Cached    bool
	TurnCount uint16
	Chunks    uint32
	LatencyMs uint32
	CreatedAt time.Time
}

// Sink receives flushed batches. Write must not retain the slice.
type Sink interface {
	Write(ctx context.Context, batch []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	sinks   []Sink
	baseCtx context.Context
	log     *slog.Logger
}

// New starts the background flusher. With no sinks, entries go to slogger.
func New(ctx context.Context, slogger *slog.Logger, sinks ...Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if len(sinks) == 0 {
		sinks = []Sink{NewSlogSink(slogger)}
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		sinks:   sinks,
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry without blocking.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes pending entries and closes the sinks.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()

	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, s := range l.sinks {
			if err := s.Write(l.baseCtx, batch); err != nil {
				l.log.WarnContext(l.baseCtx, "request_log_flush_failed",
					slog.Int("entries", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes one structured log line per request.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("request_id", e.RequestID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("username", e.Username),
			slog.String("outcome", e.Outcome),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("cached", e.Cached),
			slog.Uint64("turns", uint64(e.TurnCount)),
			slog.Uint64("chunks", uint64(e.Chunks)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
