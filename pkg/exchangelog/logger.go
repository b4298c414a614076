// Package exchangelog records completed exchanges without holding up the
// response path. Every write runs on its own goroutine; failures are logged
// and counted, never returned to the relay.
package exchangelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/airelay/pkg/exchangedb"
	"github.com/lkarlslund/airelay/pkg/metrics"
)

const defaultWriteTimeout = 10 * time.Second

// ErrPersistenceUnavailable covers a missing store and any failed write.
var ErrPersistenceUnavailable = errors.New("persistence unavailable")

// Entry is handed over once and must not be mutated by the caller afterwards.
type Entry struct {
	Request  any
	Response any
	ClientIP string
	Tokens   *int64
}

type Logger struct {
	store        exchangedb.Store
	metrics      *metrics.Collector
	writeTimeout time.Duration
	wg           sync.WaitGroup
}

// New builds a logger. A nil store disables persistence; Log still accepts
// entries and drops them.
func New(store exchangedb.Store, m *metrics.Collector) *Logger {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Logger{store: store, metrics: m, writeTimeout: defaultWriteTimeout}
}

func (l *Logger) Enabled() bool {
	return l != nil && l.store != nil
}

// Log schedules the write and returns immediately.
func (l *Logger) Log(e Entry) {
	if l == nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				l.metrics.ObserveLogWrite(metrics.WriteFailed)
				log.Error("exchange log write panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		defer cancel()
		if err := l.write(ctx, e); err != nil {
			log.Warn("exchange log write dropped", "err", err)
		}
	}()
}

func (l *Logger) write(ctx context.Context, e Entry) error {
	if l.store == nil {
		l.metrics.ObserveLogWrite(metrics.WriteSkipped)
		return nil
	}
	rec, err := buildRecord(e)
	if err != nil {
		l.metrics.ObserveLogWrite(metrics.WriteFailed)
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		l.metrics.ObserveLogWrite(metrics.WriteFailed)
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	l.metrics.ObserveLogWrite(metrics.WriteOK)
	if e.Tokens != nil {
		l.metrics.AddTokens(*e.Tokens)
	}
	return nil
}

func buildRecord(e Entry) (exchangedb.Record, error) {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return exchangedb.Record{}, fmt.Errorf("encode request: %w", err)
	}
	resp, err := json.Marshal(e.Response)
	if err != nil {
		return exchangedb.Record{}, fmt.Errorf("encode response: %w", err)
	}
	return exchangedb.Record{
		Request:  req,
		Response: resp,
		ClientIP: e.ClientIP,
		Tokens:   e.Tokens,
	}, nil
}

// Wait blocks until every scheduled write has finished or ctx is done.
func (l *Logger) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for pending writes (bounded by ctx) and closes the store.
func (l *Logger) Close(ctx context.Context) error {
	waitErr := l.Wait(ctx)
	if waitErr != nil {
		log.Warn("exchange log: pending writes abandoned at shutdown", "err", waitErr)
	}
	if l.store == nil {
		return waitErr
	}
	if err := l.store.Close(); err != nil {
		return fmt.Errorf("close exchange store: %w", err)
	}
	return waitErr
}
