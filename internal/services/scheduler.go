package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/Cyvadra/broker-sync/internal/config"
	"github.com/Cyvadra/broker-sync/internal/models"
)

// DueConnectionFinder lists connections whose automatic sync is due
type DueConnectionFinder interface {
	FindDueForSync(ctx context.Context) ([]models.BrokerConnection, error)
}

// ConnectionSyncer runs one sync attempt
type ConnectionSyncer interface {
	SyncConnection(ctx context.Context, connectionID uint, opts SyncOptions) SyncResult
}

// TickSummary aggregates one scheduler tick
type TickSummary struct {
	Due       int           `json:"due"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Imported  int           `json:"imported"`
	Duration  time.Duration `json:"duration"`
	Skipped   bool          `json:"skipped"`
}

// SchedulerStatus is reported to the request layer
type SchedulerStatus struct {
	Running             bool         `json:"running"`
	Processing          bool         `json:"processing"`
	TickIntervalMinutes int          `json:"tick_interval_minutes"`
	MaxConcurrentSyncs  int          `json:"max_concurrent_syncs"`
	LastTickAt          *time.Time   `json:"last_tick_at,omitempty"`
	LastSummary         *TickSummary `json:"last_summary,omitempty"`
}

// Scheduler periodically syncs every due connection in bounded batches
type Scheduler struct {
	connections   DueConnectionFinder
	syncer        ConnectionSyncer
	tickInterval  time.Duration
	batchDelay    time.Duration
	maxConcurrent int

	processing atomic.Bool
	ticks      sync.WaitGroup

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastTickAt  *time.Time
	lastSummary *TickSummary

	now    func() time.Time
	logger *log.Logger
}

// NewScheduler creates a scheduler from its configuration
func NewScheduler(connections DueConnectionFinder, syncer ConnectionSyncer, cfg config.SchedulerConfig) *Scheduler {
	maxConcurrent := cfg.MaxConcurrentSyncs
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 15 * time.Minute
	}
	return &Scheduler{
		connections:   connections,
		syncer:        syncer,
		tickInterval:  tickInterval,
		batchDelay:    cfg.BatchDelay,
		maxConcurrent: maxConcurrent,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
	}
}

// SetLogger sets the logger
func (s *Scheduler) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// Start runs a tick immediately and then on every interval until Stop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	s.logger.Printf("Started: every %s, %d concurrent syncs", s.tickInterval, s.maxConcurrent)
}

// Stop halts the ticker and waits for the running tick. Syncs already in flight
// run to completion; batches not yet started are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.ticks.Wait()
	s.logger.Printf("Stopped")
}

// GetStatus reports the scheduler state
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Running:             s.running,
		Processing:          s.processing.Load(),
		TickIntervalMinutes: int(s.tickInterval / time.Minute),
		MaxConcurrentSyncs:  s.maxConcurrent,
		LastTickAt:          s.lastTickAt,
		LastSummary:         s.lastSummary,
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()
		s.RunOnce(ctx)
	}()
}

// RunOnce processes every due connection. A tick that starts while another
// is still processing is skipped.
func (s *Scheduler) RunOnce(ctx context.Context) TickSummary {
	if !s.processing.CompareAndSwap(false, true) {
		s.logger.Printf("Previous tick still running, skipping")
		return TickSummary{Skipped: true}
	}
	defer s.processing.Store(false)

	started := s.now()
	s.mu.Lock()
	s.lastTickAt = &started
	s.mu.Unlock()

	due, err := s.connections.FindDueForSync(ctx)
	if err != nil {
		s.logger.Printf("Failed to load due connections: %v", err)
		return TickSummary{}
	}

	summary := TickSummary{Due: len(due)}
	// syncs are not cancelled by Stop; only new batches are
	syncCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(due); start += s.maxConcurrent {
		if start > 0 && s.batchDelay > 0 {
			if err := broker.SleepContext(ctx, s.batchDelay); err != nil {
				s.logger.Printf("Tick interrupted with %d connections left", len(due)-start)
				break
			}
		}

		end := start + s.maxConcurrent
		if end > len(due) {
			end = len(due)
		}
		for _, result := range s.syncBatch(syncCtx, due[start:end]) {
			if result.Success {
				summary.Succeeded++
				summary.Imported += result.Imported
			} else {
				summary.Failed++
			}
		}
	}

	summary.Duration = s.now().Sub(started)
	s.mu.Lock()
	s.lastSummary = &summary
	s.mu.Unlock()

	if summary.Due > 0 {
		s.logger.Printf("Tick complete: %d due, %d succeeded, %d failed, %d trades imported in %s",
			summary.Due, summary.Succeeded, summary.Failed, summary.Imported, summary.Duration.Round(time.Millisecond))
	}
	return summary
}

// syncBatch syncs connections concurrently; a failure or panic stays with its connection
func (s *Scheduler) syncBatch(ctx context.Context, batch []models.BrokerConnection) []SyncResult {
	results := make([]SyncResult, len(batch))

	type outcome struct {
		index  int
		result SyncResult
	}
	outcomes := make(chan outcome, len(batch))

	for i, conn := range batch {
		go func(index int, connectionID uint) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Printf("Recovered panic syncing connection %d: %v", connectionID, r)
					outcomes <- outcome{index: index, result: SyncResult{Error: fmt.Sprintf("%v", r)}}
				}
			}()
			result := s.syncer.SyncConnection(ctx, connectionID, SyncOptions{SyncType: models.SyncTypeScheduled})
			outcomes <- outcome{index: index, result: result}
		}(i, conn.ID)
	}

	for range batch {
		o := <-outcomes
		results[o.index] = o.result
	}
	return results
}
