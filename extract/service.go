package extract

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marrowlabs/marrow/store"
)

// Default sweeper knobs.
const (
	DefaultSchedule   = "@every 5m"
	DefaultSweepLimit = 500
)

// SweepReport summarizes one sweep. Failed counts batches whose messages
// stay unmarked and will be picked up again on the next sweep.
type SweepReport struct {
	Scanned   int
	Extracted int
	Batches   int
	Failed    int
}

// SweeperConfig tunes a Sweeper. Zero fields take defaults; a nil Logger
// is silent.
type SweeperConfig struct {
	Schedule   string
	SweepLimit int
	Logger     *zap.Logger
}

// Sweeper drives extraction in the background: on each cron tick it loads
// messages without a progress marker, runs them through the pipeline in
// batches and commits the results.
type Sweeper struct {
	store      *store.Store
	pipeline   *Pipeline
	schedule   string
	sweepLimit int
	log        *zap.Logger

	mu       sync.Mutex
	cron     *rcron.Cron
	stopCh   chan struct{}
	started  bool
	sweeping bool
}

// NewSweeper wires the sweeper to a store and pipeline.
func NewSweeper(st *store.Store, pipeline *Pipeline, cfg SweeperConfig) *Sweeper {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sweepLimit := cfg.SweepLimit
	if sweepLimit <= 0 {
		sweepLimit = DefaultSweepLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:      st,
		pipeline:   pipeline,
		schedule:   schedule,
		sweepLimit: sweepLimit,
		log:        logger,
	}
}

// Start schedules periodic sweeps. The ctx bounds all sweeps started from
// the schedule; cancelling it stops the sweeper.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	c := rcron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("register sweep schedule %q: %w", s.schedule, err)
	}
	stopCh := make(chan struct{})
	s.cron = c
	s.stopCh = stopCh
	s.started = true
	s.mu.Unlock()

	c.Start()
	s.log.Info("sweeper started", zap.String("schedule", s.schedule), zap.Int("sweep_limit", s.sweepLimit))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Stop halts the schedule and waits briefly for an in-flight sweep. Safe
// to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	waitCtx := c.Stop()
	select {
	case <-waitCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for running sweep")
	}
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) tick(ctx context.Context) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.log.Debug("previous sweep still running, skipping tick")
		return
	}
	s.sweeping = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	report, err := s.SweepOnce(ctx)
	if err != nil {
		s.log.Warn("sweep failed", zap.Error(err))
		return
	}
	if report.Scanned > 0 {
		s.log.Info("sweep complete",
			zap.Int("scanned", report.Scanned),
			zap.Int("extracted", report.Extracted),
			zap.Int("failed_batches", report.Failed))
	}
}

// SweepOnce runs a single sweep over messages that have no extraction
// progress marker, oldest first.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepReport, error) {
	msgs, err := s.store.UnextractedMessages(s.sweepLimit)
	if err != nil {
		return nil, fmt.Errorf("list unextracted messages: %w", err)
	}
	return s.runBatches(ctx, msgs)
}

// ForceExtract re-runs extraction for the given message ids regardless of
// progress markers. Unknown ids are skipped. Entities found again count as
// fresh observations and fold into the running averages.
func (s *Sweeper) ForceExtract(ctx context.Context, messageIDs []string) (*SweepReport, error) {
	msgs := make([]store.Message, 0, len(messageIDs))
	for _, id := range messageIDs {
		msg, err := s.store.GetMessage(id)
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		if msg == nil {
			s.log.Debug("skipping unknown message", zap.String("message_id", id))
			continue
		}
		msgs = append(msgs, *msg)
	}
	return s.runBatches(ctx, msgs)
}

func (s *Sweeper) runBatches(ctx context.Context, msgs []store.Message) (*SweepReport, error) {
	report := &SweepReport{Scanned: len(msgs)}
	if len(msgs) == 0 {
		return report, nil
	}

	size := s.pipeline.BatchSize()
	for start := 0; start < len(msgs); start += size {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(start+size, len(msgs))
		batch := make([]BatchMessage, 0, end-start)
		for _, m := range msgs[start:end] {
			batch = append(batch, BatchMessage{ID: m.ID, Content: m.Content})
		}

		res, err := s.pipeline.Run(ctx, batch)
		if err != nil {
			report.Failed++
			s.log.Warn("extraction batch failed, messages left for retry", zap.Error(err), zap.Int("batch_size", len(batch)))
			continue
		}

		commit := store.ExtractionCommit{
			Extractor:    res.Extractor,
			ProcessingMS: res.ProcessingMS,
			Results:      res.PerMessage,
		}
		if err := s.store.CommitExtraction(commit); err != nil {
			report.Failed++
			s.log.Error("extraction commit failed, messages left for retry", zap.Error(err), zap.String("run_id", res.RunID))
			continue
		}

		report.Batches++
		report.Extracted += len(res.PerMessage)
		entities := 0
		for _, r := range res.PerMessage {
			entities += len(r.Entities)
		}
		s.log.Debug("extraction batch committed",
			zap.String("run_id", res.RunID),
			zap.Int("messages", len(res.PerMessage)),
			zap.Int("entities", entities))
	}
	return report, nil
}
