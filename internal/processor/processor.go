// Package processor archives relayed records. It buffers them in memory and
// writes them to the event store in batches.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/relay"
	"github.com/gosight/gosight/auditor/internal/storage"
	"github.com/gosight/gosight/auditor/internal/transformer"
)

type EventStore interface {
	InsertEvents(ctx context.Context, events []storage.EventRow) error
	InsertReports(ctx context.Context, reports []storage.ReportRow) error
}

// PageAggregator receives every archived event row for per-page counters.
type PageAggregator interface {
	UpdatePage(ctx context.Context, row storage.EventRow) error
}

// Archiver is a relay observer that writes forwarded records to the store.
type Archiver struct {
	store    EventStore
	pages    PageAggregator
	batchCfg config.BatchConfig

	eventBuffer  []storage.EventRow
	reportBuffer []storage.ReportRow

	mu        sync.Mutex
	lastFlush time.Time
	ticker    *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
}

// NewArchiver starts the flush loop; call Stop to end it. pages may be nil.
func NewArchiver(store EventStore, pages PageAggregator, batchCfg config.BatchConfig) *Archiver {
	a := &Archiver{
		store:        store,
		pages:        pages,
		batchCfg:     batchCfg,
		eventBuffer:  make([]storage.EventRow, 0, batchCfg.Size),
		reportBuffer: make([]storage.ReportRow, 0, 16),
		lastFlush:    time.Now(),
		done:         make(chan struct{}),
	}

	a.ticker = time.NewTicker(batchCfg.FlushInterval)
	go a.flushLoop()

	return a
}

// OnStatus is part of relay.Observer; connection changes are not archived.
func (a *Archiver) OnStatus(relay.Status) {}

func (a *Archiver) OnEvent(out event.Outbound) {
	row, err := transformer.TransformEvent(out)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to transform event")
		return
	}

	a.mu.Lock()
	a.eventBuffer = append(a.eventBuffer, row)
	shouldFlush := len(a.eventBuffer) >= a.batchCfg.Size
	a.mu.Unlock()

	if a.pages != nil {
		go a.pages.UpdatePage(context.Background(), row)
	}

	if shouldFlush {
		a.Flush()
	}
}

func (a *Archiver) OnReport(frame relay.ReportFrame) {
	row, err := transformer.TransformReport(frame)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to transform report")
		return
	}

	a.mu.Lock()
	a.reportBuffer = append(a.reportBuffer, row)
	a.mu.Unlock()
}

func (a *Archiver) flushLoop() {
	for {
		select {
		case <-a.done:
			return
		case <-a.ticker.C:
			a.Flush()
		}
	}
}

// Flush writes all buffered rows to the store
func (a *Archiver) Flush() {
	a.mu.Lock()
	if len(a.eventBuffer) == 0 && len(a.reportBuffer) == 0 {
		a.mu.Unlock()
		return
	}

	events := a.eventBuffer
	reports := a.reportBuffer
	a.eventBuffer = make([]storage.EventRow, 0, a.batchCfg.Size)
	a.reportBuffer = make([]storage.ReportRow, 0, 16)
	a.lastFlush = time.Now()
	a.mu.Unlock()

	ctx := context.Background()
	start := time.Now()

	if len(events) > 0 {
		if err := a.store.InsertEvents(ctx, events); err != nil {
			log.Error().Err(err).Int("count", len(events)).Msg("Failed to insert events")
		} else {
			log.Info().
				Int("count", len(events)).
				Dur("duration", time.Since(start)).
				Msg("Flushed events to ClickHouse")
		}
	}

	if len(reports) > 0 {
		if err := a.store.InsertReports(ctx, reports); err != nil {
			log.Error().Err(err).Int("count", len(reports)).Msg("Failed to insert reports")
		} else {
			log.Debug().Int("count", len(reports)).Msg("Flushed reports to ClickHouse")
		}
	}
}

// Stop ends the flush loop and writes what is left.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		a.ticker.Stop()
		close(a.done)
		a.Flush()
	})
}
