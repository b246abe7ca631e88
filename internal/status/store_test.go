package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingObserver struct {
	name string
	log  *[]string
	seen []Snapshot
}

func (r *recordingObserver) OnStatusUpdate(s Snapshot) {
	*r.log = append(*r.log, r.name)
	r.seen = append(r.seen, s)
}

func TestStoreReadBeforeFirstRefresh(t *testing.T) {
	st := NewStore(zap.NewNop())
	assert.Nil(t, st.Read())
}

func TestStoreReplace(t *testing.T) {
	st := NewStore(zap.NewNop())
	var order []string
	obs := &recordingObserver{name: "a", log: &order}
	st.Subscribe(obs)

	st.Replace(Snapshot{"vehicleName": "Zoe"})

	assert.Equal(t, Snapshot{"vehicleName": "Zoe"}, st.Read())
	assert.Len(t, obs.seen, 1)

	// a second replace discards the first snapshot wholesale
	st.Replace(Snapshot{"vendor": "RENAULT"})
	assert.Equal(t, Snapshot{"vendor": "RENAULT"}, st.Read())
}

func TestStoreMerge(t *testing.T) {
	st := NewStore(zap.NewNop())
	st.Replace(Snapshot{
		"vehicleName": "Zoe",
		"chargeState": map[string]any{"batteryLevel": 50.0, "isCharging": true},
	})

	merged := st.Merge(Snapshot{
		"chargeState": map[string]any{"batteryLevel": 55.0},
	})

	level, ok := merged.GetFloat("chargeState.batteryLevel")
	assert.True(t, ok)
	assert.Equal(t, 55.0, level)
	charging, ok := merged.GetBool("chargeState.isCharging")
	assert.True(t, ok)
	assert.True(t, charging)
	assert.Equal(t, merged, st.Read())
}

func TestStoreNotifiesInSubscriptionOrder(t *testing.T) {
	st := NewStore(zap.NewNop())
	var order []string
	st.Subscribe(&recordingObserver{name: "detector", log: &order})
	st.Subscribe(&recordingObserver{name: "telemetry", log: &order})
	st.Subscribe(&recordingObserver{name: "mqtt", log: &order})

	st.Replace(Snapshot{"vehicleName": "Zoe"})
	st.Merge(Snapshot{"isReachable": true})

	assert.Equal(t, []string{
		"detector", "telemetry", "mqtt",
		"detector", "telemetry", "mqtt",
	}, order)
}
