package status

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/stevelea/evconduit-homeassistant/internal/metrics"
)

// Charge-edge states and events.
const (
	StateUnknown     = "unknown"
	StateCharging    = "charging"
	StateNotCharging = "not_charging"

	eventChargeStart = "charge_start"
	eventChargeStop  = "charge_stop"
	eventFirstIdle   = "first_idle"
)

// OdometerSource supplies the externally measured odometer reading, typically
// cached from an MQTT sensor topic. ok is false when no numeric value has
// been seen yet.
type OdometerSource interface {
	Odometer() (km float64, ok bool)
}

// OdometerUpdater pushes an odometer reading to the backend's latest charging
// session. Implemented by backend.Client.
type OdometerUpdater interface {
	UpdateOdometer(ctx context.Context, km float64) (map[string]any, error)
}

// Detector watches chargeState.isCharging across store updates and, on the
// transition from charging to not charging, pushes the current odometer
// reading to the backend after a grace delay. The side effect fires exactly
// once per transition; repeated not-charging observations are no-ops.
//
// The detector is only ever driven from the store's fan-out, which is
// serialized, so the state machine needs no locking of its own. The side
// effect runs detached: a second edge inside the grace window starts a second
// update, matching the backend's last-write-wins session semantics.
type Detector struct {
	machine *fsm.FSM
	source  OdometerSource
	updater OdometerUpdater
	grace   time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewDetector creates a detector in the unknown state. grace is the delay
// between the observed charge end and the odometer call, giving the backend
// time to finalize the session.
func NewDetector(source OdometerSource, updater OdometerUpdater, grace time.Duration, logger *zap.Logger) *Detector {
	d := &Detector{
		source:  source,
		updater: updater,
		grace:   grace,
		timeout: 15 * time.Second,
		logger:  logger,
	}

	events := fsm.Events{
		{Name: eventChargeStart, Src: []string{StateUnknown, StateNotCharging}, Dst: StateCharging},
		{Name: eventChargeStop, Src: []string{StateCharging}, Dst: StateNotCharging},
		{Name: eventFirstIdle, Src: []string{StateUnknown}, Dst: StateNotCharging},
	}
	callbacks := fsm.Callbacks{
		"after_" + eventChargeStop: func(ctx context.Context, e *fsm.Event) {
			d.chargeEnded()
		},
	}
	d.machine = fsm.NewFSM(StateUnknown, events, callbacks)
	return d
}

// State returns the current charge-edge state.
func (d *Detector) State() string {
	return d.machine.Current()
}

// OnStatusUpdate implements Observer. A missing or null isCharging reads as
// not charging, mirroring the backend's omission of the field when idle.
func (d *Detector) OnStatusUpdate(s Snapshot) {
	charging, _ := s.GetBool("chargeState.isCharging")

	ctx := context.Background()
	switch {
	case charging && d.machine.Current() != StateCharging:
		if err := d.machine.Event(ctx, eventChargeStart); err != nil {
			d.logger.Warn("charge state transition failed", zap.Error(err))
		}
	case !charging && d.machine.Current() == StateCharging:
		if err := d.machine.Event(ctx, eventChargeStop); err != nil {
			d.logger.Warn("charge state transition failed", zap.Error(err))
		}
	case !charging && d.machine.Current() == StateUnknown:
		if err := d.machine.Event(ctx, eventFirstIdle); err != nil {
			d.logger.Warn("charge state transition failed", zap.Error(err))
		}
	}
}

// chargeEnded reads the odometer source and launches the delayed backend
// update. Reading happens before the delay so the value reflects the moment
// the session ended.
func (d *Detector) chargeEnded() {
	if d.source == nil || d.updater == nil {
		return
	}

	km, ok := d.source.Odometer()
	if !ok {
		d.logger.Warn("charging ended but no odometer reading available, skipping auto-update")
		metrics.OdometerUpdates.WithLabelValues("skipped").Inc()
		return
	}

	d.logger.Info("charging ended, scheduling odometer update",
		zap.Float64("odometer_km", km),
		zap.Duration("grace", d.grace),
	)

	go func() {
		time.Sleep(d.grace)

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		result, err := d.updater.UpdateOdometer(ctx, km)
		switch {
		case err != nil:
			d.logger.Warn("odometer auto-update failed", zap.Error(err))
			metrics.OdometerUpdates.WithLabelValues("failed").Inc()
		case result == nil:
			d.logger.Warn("odometer auto-update skipped, no open charging session")
			metrics.OdometerUpdates.WithLabelValues("no_session").Inc()
		default:
			d.logger.Info("odometer auto-updated after charge end", zap.Float64("odometer_km", km))
			metrics.OdometerUpdates.WithLabelValues("success").Inc()
		}
	}()
}
