package cost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink batches Records and flushes them into a ClickHouse table
// for durable cost history, separate from the in-memory Tracker used for
// live /metrics/costs totals. It follows the same non-blocking,
// batch-on-interval-or-size shape as internal/logger.Logger.
type ClickHouseSink struct {
	conn  clickhouse.Conn
	table string

	mu      sync.Mutex
	pending []Record

	ch   chan Record
	done chan struct{}
	wg   sync.WaitGroup

	log *slog.Logger
}

const (
	chChannelBuffer = 10_000
	chBatchSize     = 200
	chFlushInterval = 5 * time.Second
)

// NewClickHouseSink dials addr (e.g. "localhost:9000") and verifies
// connectivity with Ping. table must already exist; this package does not
// run DDL (schema migrations are an operational concern outside the core).
func NewClickHouseSink(ctx context.Context, addr, database, username, password, table string, log *slog.Logger) (*ClickHouseSink, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("cost: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("cost: clickhouse ping: %w", err)
	}

	s := &ClickHouseSink{
		conn:  conn,
		table: table,
		ch:    make(chan Record, chChannelBuffer),
		done:  make(chan struct{}),
		log:   log,
	}

	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

// Write enqueues a Record for batched insertion. Never blocks; entries are
// dropped (and logged) if the channel is full.
func (s *ClickHouseSink) Write(rec Record) {
	select {
	case s.ch <- rec:
	default:
		s.log.Warn("cost_clickhouse_dropped", slog.String("model", rec.ModelID))
	}
}

// Close flushes any pending batch and closes the underlying connection.
func (s *ClickHouseSink) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseSink) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, chBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(ctx, batch); err != nil {
			s.log.Error("cost_clickhouse_flush_error", slog.String("error", err.Error()))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.ch:
			batch = append(batch, rec)
			if len(batch) >= chBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case rec := <-s.ch:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseSink) insertBatch(ctx context.Context, batch []Record) error {
	b, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, rec := range batch {
		if err := b.Append(rec.Provider, rec.ModelID, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Timestamp); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return b.Send()
}
