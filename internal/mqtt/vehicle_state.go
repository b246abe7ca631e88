package mqtt

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/stevelea/evconduit-homeassistant/internal/status"
)

// VehicleState is the typed view of the raw snapshot used for publishing.
// Pointers distinguish "absent" from zero values so topics are only written
// for fields the backend actually reported.
type VehicleState struct {
	VehicleName string `mapstructure:"vehicleName"`
	Vendor      string `mapstructure:"vendor"`
	LastSeen    string `mapstructure:"lastSeen"`
	IsReachable *bool  `mapstructure:"isReachable"`

	ChargeState *ChargeState `mapstructure:"chargeState"`
	Location    *Location    `mapstructure:"location"`
	Information *Information `mapstructure:"information"`
	Odometer    *Odometer    `mapstructure:"odometer"`
}

type ChargeState struct {
	BatteryLevel        *float64 `mapstructure:"batteryLevel"`
	BatteryCapacity     *float64 `mapstructure:"batteryCapacity"`
	ChargeLimit         *float64 `mapstructure:"chargeLimit"`
	ChargeRate          *float64 `mapstructure:"chargeRate"`
	ChargeTimeRemaining *float64 `mapstructure:"chargeTimeRemaining"`
	Range               *float64 `mapstructure:"range"`
	IsCharging          *bool    `mapstructure:"isCharging"`
	IsPluggedIn         *bool    `mapstructure:"isPluggedIn"`
	PowerDeliveryState  string   `mapstructure:"powerDeliveryState"`
}

type Location struct {
	Latitude  *float64 `mapstructure:"latitude"`
	Longitude *float64 `mapstructure:"longitude"`
}

type Information struct {
	DisplayName string `mapstructure:"displayName"`
	VIN         string `mapstructure:"vin"`
	Brand       string `mapstructure:"brand"`
	Model       string `mapstructure:"model"`
	Year        *int   `mapstructure:"year"`
}

type Odometer struct {
	Distance *float64 `mapstructure:"distance"`
}

// decodeState maps the raw snapshot into the typed view. Numbers are decoded
// weakly because the backend is not consistent about ints vs floats.
func decodeState(s status.Snapshot) (*VehicleState, error) {
	var state VehicleState
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &state,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("building snapshot decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(s)); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &state, nil
}
