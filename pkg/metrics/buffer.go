package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/pkg/logger"
)

// BufferedMetrics batches metrics per table and flushes them on size or interval
type BufferedMetrics struct {
	writer        Writer
	buffer        map[string][]Metric
	bufferMu      sync.Mutex
	batchSize     int
	maxBufferSize int
	dropped       int

	flushCh     chan struct{}
	flushTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// BufferConfig configures metrics buffer
type BufferConfig struct {
	Writer        Writer
	BatchSize     int           // flush when a table reaches this size
	FlushInterval time.Duration // periodic flush
	MaxBufferSize int           // per-table cap, oldest rows dropped beyond it (0 = unlimited)
}

// NewBufferedMetrics creates new buffered metrics manager
func NewBufferedMetrics(cfg BufferConfig) *BufferedMetrics {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	bm := &BufferedMetrics{
		writer:        cfg.Writer,
		buffer:        make(map[string][]Metric),
		batchSize:     cfg.BatchSize,
		maxBufferSize: cfg.MaxBufferSize,
		flushCh:       make(chan struct{}, 1),
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		stopCh:        make(chan struct{}),
	}

	bm.wg.Add(1)
	go bm.loop()

	logger.Info("metrics buffer initialized",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval),
	)

	return bm
}

// Add adds metric to buffer (thread-safe)
func (bm *BufferedMetrics) Add(metric Metric) error {
	if metric == nil {
		return errors.New("metric is nil")
	}
	table := metric.TableName()
	if table == "" {
		return errors.New("metric table name is empty")
	}

	bm.bufferMu.Lock()
	rows := append(bm.buffer[table], metric)
	if bm.maxBufferSize > 0 && len(rows) > bm.maxBufferSize {
		bm.dropped += len(rows) - bm.maxBufferSize
		rows = rows[len(rows)-bm.maxBufferSize:]
	}
	bm.buffer[table] = rows
	full := len(rows) >= bm.batchSize
	bm.bufferMu.Unlock()

	if full {
		select {
		case bm.flushCh <- struct{}{}:
		default: // a flush is already pending
		}
	}
	return nil
}

// Flush writes all buffered metrics. Rows of a table that fails to write are dropped.
func (bm *BufferedMetrics) Flush(ctx context.Context) error {
	bm.bufferMu.Lock()
	toFlush := make(map[string][]Metric, len(bm.buffer))
	for table, rows := range bm.buffer {
		if len(rows) > 0 {
			toFlush[table] = rows
		}
	}
	bm.buffer = make(map[string][]Metric, len(toFlush))
	dropped := bm.dropped
	bm.dropped = 0
	bm.bufferMu.Unlock()

	if dropped > 0 {
		logger.Warn("metrics buffer overflowed, rows dropped", zap.Int("dropped", dropped))
	}

	var failed int
	for table, rows := range toFlush {
		if err := bm.writer.Write(ctx, table, rows); err != nil {
			logger.Error("failed to flush metrics",
				zap.String("table", table),
				zap.Int("count", len(rows)),
				zap.Error(err),
			)
			failed++
			continue
		}
		logger.Debug("metrics flushed",
			zap.String("table", table),
			zap.Int("count", len(rows)),
		)
	}

	if failed > 0 {
		return fmt.Errorf("flush failed for %d tables", failed)
	}
	return nil
}

// Size returns current buffer size across all tables
func (bm *BufferedMetrics) Size() int {
	bm.bufferMu.Lock()
	defer bm.bufferMu.Unlock()

	total := 0
	for _, rows := range bm.buffer {
		total += len(rows)
	}
	return total
}

// Close stops the flush loop, flushes what is left and closes the writer
func (bm *BufferedMetrics) Close(ctx context.Context) error {
	var err error
	bm.closeOnce.Do(func() {
		close(bm.stopCh)
		bm.flushTicker.Stop()
		bm.wg.Wait()

		if ferr := bm.Flush(ctx); ferr != nil {
			err = ferr
		}
		if cerr := bm.writer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		logger.Info("metrics buffer closed")
	})
	return err
}

func (bm *BufferedMetrics) loop() {
	defer bm.wg.Done()

	for {
		select {
		case <-bm.flushTicker.C:
		case <-bm.flushCh:
		case <-bm.stopCh:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := bm.Flush(ctx); err != nil {
			logger.Warn("periodic flush failed", zap.Error(err))
		}
		cancel()
	}
}
