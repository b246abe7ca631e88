package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeOdometerSource struct {
	km float64
	ok bool
}

func (f *fakeOdometerSource) Odometer() (float64, bool) {
	return f.km, f.ok
}

type fakeOdometerUpdater struct {
	calls  chan float64
	result map[string]any
	err    error
}

func newFakeUpdater() *fakeOdometerUpdater {
	return &fakeOdometerUpdater{
		calls:  make(chan float64, 4),
		result: map[string]any{"success": true},
	}
}

func (f *fakeOdometerUpdater) UpdateOdometer(ctx context.Context, km float64) (map[string]any, error) {
	f.calls <- km
	return f.result, f.err
}

func chargingSnapshot(charging bool) Snapshot {
	return Snapshot{
		"chargeState": map[string]any{"isCharging": charging},
	}
}

func waitForCall(t *testing.T, updater *fakeOdometerUpdater) float64 {
	t.Helper()
	select {
	case km := <-updater.calls:
		return km
	case <-time.After(2 * time.Second):
		t.Fatal("odometer update was not triggered")
		return 0
	}
}

func assertNoCall(t *testing.T, updater *fakeOdometerUpdater) {
	t.Helper()
	select {
	case km := <-updater.calls:
		t.Fatalf("unexpected odometer update with %v km", km)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDetectorFiresOncePerChargeEnd(t *testing.T) {
	source := &fakeOdometerSource{km: 12345.6, ok: true}
	updater := newFakeUpdater()
	d := NewDetector(source, updater, 0, zap.NewNop())

	d.OnStatusUpdate(chargingSnapshot(true))
	assert.Equal(t, StateCharging, d.State())
	d.OnStatusUpdate(chargingSnapshot(true))

	d.OnStatusUpdate(chargingSnapshot(false))
	assert.Equal(t, StateNotCharging, d.State())

	assert.Equal(t, 12345.6, waitForCall(t, updater))

	// a repeated not-charging observation must not fire again
	d.OnStatusUpdate(chargingSnapshot(false))
	assertNoCall(t, updater)
}

func TestDetectorFiresPerTransition(t *testing.T) {
	source := &fakeOdometerSource{km: 100, ok: true}
	updater := newFakeUpdater()
	d := NewDetector(source, updater, 0, zap.NewNop())

	d.OnStatusUpdate(chargingSnapshot(true))
	d.OnStatusUpdate(chargingSnapshot(false))
	waitForCall(t, updater)

	source.km = 150
	d.OnStatusUpdate(chargingSnapshot(true))
	d.OnStatusUpdate(chargingSnapshot(false))
	assert.Equal(t, 150.0, waitForCall(t, updater))
}

func TestDetectorInitialIdleDoesNotFire(t *testing.T) {
	updater := newFakeUpdater()
	d := NewDetector(&fakeOdometerSource{km: 1, ok: true}, updater, 0, zap.NewNop())

	// first observation is not charging: no charging session ever started
	d.OnStatusUpdate(chargingSnapshot(false))
	assert.Equal(t, StateNotCharging, d.State())
	assertNoCall(t, updater)
}

func TestDetectorMissingFieldReadsAsNotCharging(t *testing.T) {
	updater := newFakeUpdater()
	d := NewDetector(&fakeOdometerSource{km: 42, ok: true}, updater, 0, zap.NewNop())

	d.OnStatusUpdate(chargingSnapshot(true))
	// backend dropped chargeState entirely
	d.OnStatusUpdate(Snapshot{"vehicleName": "Zoe"})

	assert.Equal(t, StateNotCharging, d.State())
	assert.Equal(t, 42.0, waitForCall(t, updater))
}

func TestDetectorSkipsWithoutOdometerReading(t *testing.T) {
	updater := newFakeUpdater()
	d := NewDetector(&fakeOdometerSource{ok: false}, updater, 0, zap.NewNop())

	d.OnStatusUpdate(chargingSnapshot(true))
	d.OnStatusUpdate(chargingSnapshot(false))

	assert.Equal(t, StateNotCharging, d.State())
	assertNoCall(t, updater)
}

func TestDetectorReadsOdometerBeforeGraceDelay(t *testing.T) {
	source := &fakeOdometerSource{km: 500, ok: true}
	updater := newFakeUpdater()
	d := NewDetector(source, updater, 50*time.Millisecond, zap.NewNop())

	d.OnStatusUpdate(chargingSnapshot(true))
	d.OnStatusUpdate(chargingSnapshot(false))

	// the value captured at the edge wins, not the one after the delay
	source.km = 9999
	assert.Equal(t, 500.0, waitForCall(t, updater))
}
