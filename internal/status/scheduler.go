package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/stevelea/evconduit-homeassistant/internal/backend"
	"github.com/stevelea/evconduit-homeassistant/internal/metrics"
)

// PollClient is the subset of the backend client the scheduler drives.
type PollClient interface {
	UserInfo(ctx context.Context) (map[string]any, error)
	VehicleStatus(ctx context.Context) (map[string]any, error)
}

// Notifier surfaces operator-visible notifications (rate limits, rejected
// polls). Implemented by the MQTT publisher.
type Notifier interface {
	Notify(title, message string)
}

// Scheduler runs the user-info and vehicle-status polls on a fixed interval.
// A successful vehicle cycle replaces the store snapshot wholesale; any
// failed cycle leaves the previous snapshot untouched. Start performs the
// first refresh of both streams synchronously and fails hard when either
// does, so the bridge never comes up without known-good data.
type Scheduler struct {
	client     PollClient
	store      *Store
	interval   int // minutes
	notifier   Notifier
	onUserInfo func(Snapshot)
	logger     *zap.Logger

	sched *gocron.Scheduler

	// notification dedup, reset by the next successful cycle per stream
	vehicleNotified bool
}

// NewScheduler creates a scheduler. interval is in minutes. onUserInfo may be
// nil; when set it receives every successful user-info snapshot.
func NewScheduler(client PollClient, store *Store, interval int, notifier Notifier, onUserInfo func(Snapshot), logger *zap.Logger) *Scheduler {
	return &Scheduler{
		client:     client,
		store:      store,
		interval:   interval,
		notifier:   notifier,
		onUserInfo: onUserInfo,
		logger:     logger,
	}
}

// Start runs the mandatory first refresh and then schedules both polling
// streams. The returned error is fatal to setup.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.refreshUser(ctx); err != nil {
		return fmt.Errorf("initial user info refresh failed: %w", err)
	}
	if err := s.refreshVehicle(ctx); err != nil {
		return fmt.Errorf("initial vehicle status refresh failed: %w", err)
	}

	s.sched = gocron.NewScheduler(time.UTC)

	// SingletonMode keeps cycles from overlapping when the backend is slow.
	if _, err := s.sched.Every(s.interval).Minutes().SingletonMode().Do(func() {
		if err := s.refreshUser(context.Background()); err != nil {
			s.logger.Warn("user info poll cycle failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling user info poll: %w", err)
	}

	if _, err := s.sched.Every(s.interval).Minutes().SingletonMode().Do(func() {
		if err := s.refreshVehicle(context.Background()); err != nil {
			s.logger.Warn("vehicle status poll cycle failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling vehicle status poll: %w", err)
	}

	s.sched.StartAsync()
	s.logger.Info("refresh scheduler started", zap.Int("interval_minutes", s.interval))
	return nil
}

// Stop stops scheduling new cycles. An in-flight cycle completes naturally.
func (s *Scheduler) Stop() {
	if s.sched != nil {
		s.sched.Stop()
	}
}

func (s *Scheduler) refreshUser(ctx context.Context) error {
	info, err := s.client.UserInfo(ctx)
	if err != nil {
		metrics.PollCycles.WithLabelValues("user", "failed").Inc()
		return err
	}
	metrics.PollCycles.WithLabelValues("user", "success").Inc()
	if s.onUserInfo != nil {
		s.onUserInfo(Snapshot(info))
	}
	return nil
}

func (s *Scheduler) refreshVehicle(ctx context.Context) error {
	snapshot, err := s.client.VehicleStatus(ctx)
	if err != nil {
		metrics.PollCycles.WithLabelValues("vehicle", "failed").Inc()
		s.surfaceVehicleFailure(err)
		return err
	}

	metrics.PollCycles.WithLabelValues("vehicle", "success").Inc()
	s.vehicleNotified = false
	s.store.Replace(Snapshot(snapshot))
	return nil
}

// surfaceVehicleFailure raises an operator notification for rate limits and
// rejected requests, once per failure streak. Transport failures are logged
// by the caller only; the next scheduled cycle is the retry.
func (s *Scheduler) surfaceVehicleFailure(err error) {
	if s.notifier == nil || s.vehicleNotified {
		return
	}

	var statusErr *backend.StatusError
	if !errors.As(err, &statusErr) {
		return
	}

	switch statusErr.Code {
	case 429:
		s.notifier.Notify("EVConduit rate limit",
			"Rate limit hit while polling vehicle status. Skipping this update.")
		s.vehicleNotified = true
	default:
		s.notifier.Notify("EVConduit vehicle status error",
			fmt.Sprintf("Vehicle status request rejected (HTTP %d): %s", statusErr.Code, statusErr.Body))
		s.vehicleNotified = true
	}
}
