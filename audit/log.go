package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultCeiling   = 30
	DefaultMaxBody   = 2000
	DefaultQueueSize = 256
)

// Request is the outbound side of a recorded call.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    string
}

// Response is the inbound side of a recorded call. Status 0 means the
// request never completed.
type Response struct {
	Status int
	Body   string
}

// Options configures a Log.
type Options struct {
	Ceiling   int
	MaxBody   int
	QueueSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Log masks and stores entries on a background writer. A nil *Log
// discards everything.
type Log struct {
	store   Store
	ceiling int
	maxBody int
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	done   chan struct{}
}

// New starts a log writing to store.
func New(store Store, opts Options) *Log {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Log{
		store:   store,
		ceiling: opts.Ceiling,
		maxBody: opts.MaxBody,
		logger:  opts.Logger,
		now:     opts.Now,
		queue:   make(chan Entry, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record masks the pair and queues it. It never blocks and never fails.
func (l *Log) Record(req Request, resp Response) {
	if l == nil {
		return
	}
	entry, err := l.build(req, resp)
	if err != nil {
		l.logger.Warn("audit entry dropped", "error", err)
		return
	}
	l.enqueue(entry)
}

// RecordRedirect logs a browser navigation to rawURL.
func (l *Log) RecordRedirect(rawURL string) {
	l.Record(Request{Method: "REDIRECT", URL: rawURL}, Response{Status: http.StatusFound})
}

func (l *Log) build(req Request, resp Response) (entry Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mask entry: %v", r)
		}
	}()
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("entry id: %w", err)
	}
	return Entry{
		ID:           id.String(),
		Method:       req.Method,
		URL:          req.URL,
		Headers:      MaskHeaders(req.Headers),
		RequestBody:  Truncate(MaskBody(req.Body), l.maxBody),
		Status:       resp.Status,
		ResponseBody: Truncate(MaskBody(resp.Body), l.maxBody),
		Timestamp:    l.now().UTC(),
	}, nil
}

func (l *Log) enqueue(entry Entry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Warn("audit log closed, entry dropped", "url", entry.URL)
		return
	}
	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("audit queue full, entry dropped", "url", entry.URL)
	}
}

func (l *Log) run() {
	defer close(l.done)
	for entry := range l.queue {
		if err := l.Write(context.Background(), entry); err != nil {
			l.logger.Warn("audit write failed", "error", err, "url", entry.URL)
		}
	}
}

// Write applies retention and stores entry synchronously.
func (l *Log) Write(ctx context.Context, entry Entry) error {
	if l == nil || l.store == nil {
		return errors.New("audit store is not configured")
	}
	count, err := l.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count entries: %w", err)
	}
	if count >= l.ceiling {
		if err := l.store.DeleteOldest(ctx, count-(l.ceiling-1)); err != nil {
			return fmt.Errorf("rotate entries: %w", err)
		}
	}
	if err := l.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// Entries lists stored entries, newest first.
func (l *Log) Entries(ctx context.Context, limit int) ([]Entry, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	return l.store.List(ctx, limit)
}

// Close stops accepting entries and waits for queued ones to be written.
func (l *Log) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain audit log: %w", ctx.Err())
	}
}
