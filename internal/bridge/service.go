// Package bridge wires the per-instance context object: backend client,
// status store, refresh scheduler, charge-edge detector, telemetry
// forwarder, and MQTT publisher for one configured vehicle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stevelea/evconduit-homeassistant/internal/backend"
	"github.com/stevelea/evconduit-homeassistant/internal/config"
	"github.com/stevelea/evconduit-homeassistant/internal/mqtt"
	"github.com/stevelea/evconduit-homeassistant/internal/status"
	"github.com/stevelea/evconduit-homeassistant/internal/telemetry"
)

// ErrNoOdometerValue is returned by UpdateOdometer when neither an explicit
// value nor a source reading is available.
var ErrNoOdometerValue = errors.New("no odometer value provided and no source reading available")

// Service owns all state for one configured vehicle. It is the single entry
// point for the control API and the CLI.
type Service struct {
	cfg       *config.Config
	logger    *zap.Logger
	client    *backend.Client
	store     *status.Store
	scheduler *status.Scheduler
	detector  *status.Detector
	abrp      *telemetry.Client
	publisher *mqtt.Publisher

	webhookID         string
	webhookRegistered bool

	userMu   sync.RWMutex
	userInfo status.Snapshot
}

// New assembles a service from config. publisher may be nil when MQTT is
// disabled; the telemetry relay is only wired when an ABRP token is
// configured. Observer order on the store is fixed: charge-edge detector
// first, telemetry forwarder second, MQTT publisher last.
func New(cfg *config.Config, logger *zap.Logger, publisher *mqtt.Publisher) (*Service, error) {
	webhookID := cfg.Backend.WebhookID
	if webhookID == "" {
		webhookID = uuid.NewString()
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		client:    backend.NewClient(cfg.Backend.BaseURL(), cfg.Backend.APIKey, cfg.Backend.VehicleID, logger.Named("backend")),
		store:     status.NewStore(logger.Named("store")),
		publisher: publisher,
		webhookID: webhookID,
	}

	if cfg.Odometer.SourceTopic != "" && publisher != nil {
		if err := publisher.SubscribeOdometer(cfg.Odometer.SourceTopic); err != nil {
			return nil, fmt.Errorf("subscribing to odometer source: %w", err)
		}
		grace := time.Duration(cfg.Odometer.GraceSeconds) * time.Second
		s.detector = status.NewDetector(publisher, s.client, grace, logger.Named("detector"))
		s.store.Subscribe(s.detector)
		logger.Info("odometer auto-update enabled",
			zap.String("source_topic", cfg.Odometer.SourceTopic),
			zap.Duration("grace", grace),
		)
	}

	if cfg.ABRP.Token != "" {
		s.abrp = telemetry.NewClient(cfg.ABRP.Endpoint, cfg.ABRP.Token, logger.Named("abrp"))
		s.store.Subscribe(telemetry.NewForwarder(s.abrp, logger.Named("abrp")))
		logger.Info("telemetry relay enabled")
	}

	if publisher != nil {
		s.store.Subscribe(publisher)
	}

	onUserInfo := func(info status.Snapshot) {
		s.userMu.Lock()
		s.userInfo = info
		s.userMu.Unlock()
		if s.publisher != nil {
			s.publisher.PublishUserInfo(info)
		}
	}

	var notifier status.Notifier
	if publisher != nil {
		notifier = publisher
	}
	s.scheduler = status.NewScheduler(s.client, s.store, cfg.Backend.PollIntervalMinutes, notifier, onUserInfo, logger.Named("scheduler"))

	return s, nil
}

// Start runs the mandatory first refresh (fatal on failure), starts the
// polling streams, and registers the push webhook with the backend when an
// external URL is configured.
func (s *Service) Start(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	if s.cfg.Backend.ExternalURL != "" {
		registered, err := s.client.RegisterWebhook(ctx, s.webhookID, s.cfg.Backend.ExternalURL)
		if err != nil {
			s.logger.Warn("webhook registration failed, continuing with polling only", zap.Error(err))
		}
		s.webhookRegistered = registered
	} else {
		s.logger.Info("no external_url configured, push delivery disabled")
	}

	s.logger.Info("bridge started",
		zap.String("vehicle_id", s.cfg.Backend.VehicleID),
		zap.String("webhook_id", s.webhookID),
		zap.Bool("push_enabled", s.webhookRegistered),
	)
	return nil
}

// Stop stops the polling streams and unregisters the webhook. In-flight
// cycles and side effects complete naturally.
func (s *Service) Stop() {
	s.scheduler.Stop()

	if s.webhookRegistered {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.client.UnregisterWebhook(ctx); err != nil {
			s.logger.Warn("failed to unregister webhook from backend", zap.Error(err))
		}
	}
}

// WebhookID returns the identifier the push endpoint is registered under.
func (s *Service) WebhookID() string {
	return s.webhookID
}

// Status returns the current vehicle snapshot, nil before the first refresh
// completes (which cannot happen after a successful Start).
func (s *Service) Status() status.Snapshot {
	return s.store.Read()
}

// UserInfo returns the latest account info snapshot.
func (s *Service) UserInfo() status.Snapshot {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.userInfo
}

// ApplyPush merges a pushed partial update into the store. A payload carrying
// a different vehicle id than this instance tracks is accepted but ignored.
func (s *Service) ApplyPush(update status.Snapshot) (applied bool) {
	if incoming, ok := update.GetString("id"); ok && incoming != s.cfg.Backend.VehicleID {
		s.logger.Debug("ignoring push for different vehicle",
			zap.String("configured", s.cfg.Backend.VehicleID),
			zap.String("incoming", incoming),
		)
		return false
	}

	s.store.Merge(update)
	return true
}

// SetCharging starts or stops charging via the backend.
func (s *Service) SetCharging(ctx context.Context, action string) (map[string]any, error) {
	return s.client.SetCharging(ctx, action)
}

// UpdateOdometer pushes an odometer reading to the backend's latest charging
// session. An explicit km wins over the configured source reading. Returns
// the value used. A nil result with no error means the backend had no open
// session.
func (s *Service) UpdateOdometer(ctx context.Context, km *float64) (float64, map[string]any, error) {
	var value float64
	switch {
	case km != nil:
		value = *km
	case s.publisher != nil:
		v, ok := s.publisher.Odometer()
		if !ok {
			return 0, nil, ErrNoOdometerValue
		}
		value = v
	default:
		return 0, nil, ErrNoOdometerValue
	}

	result, err := s.client.UpdateOdometer(ctx, value)
	return value, result, err
}

// SendTelemetry forces a relay of the current snapshot.
func (s *Service) SendTelemetry(ctx context.Context) error {
	if s.abrp == nil {
		return errors.New("telemetry relay not configured")
	}
	snapshot := s.store.Read()
	if snapshot == nil {
		return errors.New("no vehicle data available")
	}
	return s.abrp.Send(ctx, snapshot)
}

// Vehicles lists all vehicles linked to the account.
func (s *Service) Vehicles(ctx context.Context) ([]backend.Vehicle, error) {
	return s.client.Vehicles(ctx)
}
