// Package telemetry relays a subset of the vehicle snapshot to A Better
// Route Planner (Iternio).
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stevelea/evconduit-homeassistant/internal/metrics"
	"github.com/stevelea/evconduit-homeassistant/internal/status"
)

// DefaultEndpoint is the Iternio telemetry ingestion URL.
const DefaultEndpoint = "https://api.iternio.com/1/tlm/send"

// ErrNoSOC is returned when the snapshot carries no battery level. ABRP
// rejects telemetry without state of charge, so nothing is sent.
var ErrNoSOC = errors.New("no state of charge in snapshot")

// Client posts form-encoded telemetry frames to ABRP.
type Client struct {
	http     *http.Client
	endpoint string
	token    string
	logger   *zap.Logger

	// now is swapped out in tests
	now func() time.Time
}

// NewClient creates a telemetry client. endpoint falls back to
// DefaultEndpoint when empty.
func NewClient(endpoint, token string, logger *zap.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		http:     &http.Client{Timeout: requestTimeout},
		endpoint: endpoint,
		token:    token,
		logger:   logger,
		now:      time.Now,
	}
}

const requestTimeout = 15 * time.Second

// Send extracts the telemetry fields from the snapshot and posts them to
// ABRP. Returns ErrNoSOC when the required battery level is missing.
func (c *Client) Send(ctx context.Context, s status.Snapshot) error {
	form := url.Values{}
	form.Set("token", c.token)
	form.Set("utc", strconv.FormatInt(c.now().Unix(), 10))

	soc, ok := s.GetFloat("chargeState.batteryLevel")
	if !ok {
		return ErrNoSOC
	}
	form.Set("soc", formatFloat(soc))

	if lat, ok := s.GetFloat("location.latitude"); ok {
		form.Set("lat", formatFloat(lat))
	}
	if lon, ok := s.GetFloat("location.longitude"); ok {
		form.Set("lon", formatFloat(lon))
	}
	if charging, ok := s.GetBool("chargeState.isCharging"); ok {
		if charging {
			form.Set("is_charging", "1")
		} else {
			form.Set("is_charging", "0")
		}
	}
	if power, ok := s.GetFloat("chargeState.chargeRate"); ok {
		form.Set("power", formatFloat(power))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending telemetry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telemetry relay returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("telemetry sent", zap.Float64("soc", soc))
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Forwarder relays every committed snapshot to ABRP. The send happens on its
// own goroutine so the store's observer fan-out never blocks on the network.
// A missing battery level or a failed send is logged and dropped; the next
// update is the retry.
type Forwarder struct {
	client *Client
	logger *zap.Logger
}

// NewForwarder creates a store observer backed by client.
func NewForwarder(client *Client, logger *zap.Logger) *Forwarder {
	return &Forwarder{client: client, logger: logger}
}

// OnStatusUpdate implements status.Observer.
func (f *Forwarder) OnStatusUpdate(s status.Snapshot) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		err := f.client.Send(ctx, s)
		switch {
		case errors.Is(err, ErrNoSOC):
			f.logger.Debug("skipping telemetry, no state of charge in snapshot")
			metrics.TelemetrySends.WithLabelValues("skipped").Inc()
		case err != nil:
			f.logger.Warn("telemetry send failed", zap.Error(err))
			metrics.TelemetrySends.WithLabelValues("failed").Inc()
		default:
			metrics.TelemetrySends.WithLabelValues("success").Inc()
		}
	}()
}
