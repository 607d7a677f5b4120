// Package jobs runs the periodic housekeeping: stale call sweeps,
// integration probes and PBX connection reconciliation.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/uniboxhq/unibox/internal/channel"
)

// CallSweeper fails calls stuck in the ringing state.
type CallSweeper interface {
	SweepStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// IntegrationProber is the slice of the integration store the probe job
// needs.
type IntegrationProber interface {
	ListByChannel(ctx context.Context, ch channel.ChannelType) ([]channel.Integration, error)
	SetStatus(ctx context.Context, accountID, integrationID string, status channel.IntegrationStatus, note string) error
}

// TelephonySyncer reconciles PBX connections with stored integrations.
type TelephonySyncer interface {
	Sync(ctx context.Context) error
}

// Options tune the schedules. Zero values take defaults.
type Options struct {
	// StaleRingingAfter is how long a call may ring before the sweep
	// fails it. Covers lost ChannelDestroyed events.
	StaleRingingAfter time.Duration
	SweepSpec         string
	ProbeSpec         string
	SyncSpec          string
}

func (o Options) withDefaults() Options {
	if o.StaleRingingAfter <= 0 {
		o.StaleRingingAfter = 10 * time.Minute
	}
	if o.SweepSpec == "" {
		o.SweepSpec = "@every 1m"
	}
	if o.ProbeSpec == "" {
		o.ProbeSpec = "@every 10m"
	}
	if o.SyncSpec == "" {
		o.SyncSpec = "@every 1m"
	}
	return o
}

// Scheduler owns the cron instance.
type Scheduler struct {
	logger       *slog.Logger
	cron         *cron.Cron
	registry     *channel.Registry
	sweeper      CallSweeper
	integrations IntegrationProber
	telephony    TelephonySyncer
	opts         Options
}

// NewScheduler creates the scheduler. telephony is optional.
func NewScheduler(
	log *slog.Logger,
	registry *channel.Registry,
	sweeper CallSweeper,
	integrations IntegrationProber,
	telephony TelephonySyncer,
	opts Options,
) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		logger:       log.With(slog.String("service", "jobs")),
		cron:         cron.New(),
		registry:     registry,
		sweeper:      sweeper,
		integrations: integrations,
		telephony:    telephony,
		opts:         opts.withDefaults(),
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.opts.SweepSpec, s.sweepStaleCalls); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.opts.ProbeSpec, s.probeIntegrations); err != nil {
		return err
	}
	if s.telephony != nil {
		if _, err := s.cron.AddFunc(s.opts.SyncSpec, s.syncTelephony); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) sweepStaleCalls() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	swept, err := s.sweeper.SweepStale(ctx, s.opts.StaleRingingAfter)
	if err != nil {
		s.logger.Error("stale call sweep failed", slog.Any("error", err))
		return
	}
	if swept > 0 {
		s.logger.Info("swept stale ringing calls", slog.Int("count", swept))
	}
}

// probeIntegrations runs every channel's connectivity probe against all
// non-disabled integrations and records the outcome.
func (s *Scheduler) probeIntegrations() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, adapter := range s.registry.List() {
		prober, ok := s.registry.Prober(adapter.Type())
		if !ok {
			continue
		}
		items, err := s.integrations.ListByChannel(ctx, adapter.Type())
		if err != nil {
			s.logger.Error("list integrations failed",
				slog.String("channel", adapter.Type().String()), slog.Any("error", err))
			continue
		}
		for _, integ := range items {
			s.probeOne(ctx, prober, integ)
		}
	}
}

func (s *Scheduler) probeOne(ctx context.Context, prober channel.Prober, integ channel.Integration) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := prober.Probe(probeCtx, integ); err != nil {
		if integ.Status != channel.IntegrationError {
			s.logger.Warn("integration probe failed",
				slog.String("integration_id", integ.ID),
				slog.String("channel", integ.Channel.String()),
				slog.Any("error", err))
		}
		if err := s.integrations.SetStatus(ctx, integ.AccountID, integ.ID, channel.IntegrationError, err.Error()); err != nil {
			s.logger.Error("record probe failure", slog.String("integration_id", integ.ID), slog.Any("error", err))
		}
		return
	}
	if integ.Status == channel.IntegrationError {
		s.logger.Info("integration recovered", slog.String("integration_id", integ.ID))
		if err := s.integrations.SetStatus(ctx, integ.AccountID, integ.ID, channel.IntegrationActive, ""); err != nil {
			s.logger.Error("clear probe failure", slog.String("integration_id", integ.ID), slog.Any("error", err))
		}
	}
}

func (s *Scheduler) syncTelephony() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.telephony.Sync(ctx); err != nil {
		s.logger.Error("telephony sync failed", slog.Any("error", err))
	}
}
