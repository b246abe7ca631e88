// Package mqtt republishes vehicle and account state to the home-automation
// broker as per-field retained topics, carries operator notifications, and
// caches the odometer reading from a configured sensor topic.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/stevelea/evconduit-homeassistant/internal/status"
)

// Publisher handles MQTT publishing and the odometer-source subscription.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	logger      *zap.Logger

	odoMu      sync.RWMutex
	odometerKm float64
	odometerOK bool
}

// Notification is the payload published on the notifications topic.
type Notification struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPublisher connects to the broker and returns a publisher rooted at
// topicPrefix (e.g. "evconduit" -> "evconduit/vehicle/...").
func NewPublisher(broker string, port int, username, password, clientID, topicPrefix string, logger *zap.Logger) (*Publisher, error) {
	span := tracer.StartSpan("mqtt.new_publisher")
	defer span.Finish()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", broker, port))
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT connected to broker", zap.String("broker", broker))
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("MQTT publisher initialized", zap.String("broker", broker), zap.String("topic_prefix", topicPrefix))

	return &Publisher{
		client:      client,
		topicPrefix: topicPrefix,
		logger:      logger,
	}, nil
}

// SubscribeOdometer subscribes to the configured odometer sensor topic and
// caches the latest numeric payload for the charge-edge detector.
func (p *Publisher) SubscribeOdometer(topic string) error {
	token := p.client.Subscribe(topic, 1, func(c mqtt.Client, msg mqtt.Message) {
		payload := strings.TrimSpace(string(msg.Payload()))
		km, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			p.logger.Warn("ignoring non-numeric odometer payload",
				zap.String("topic", msg.Topic()), zap.String("payload", payload))
			return
		}

		p.odoMu.Lock()
		p.odometerKm = km
		p.odometerOK = true
		p.odoMu.Unlock()
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}

	p.logger.Info("subscribed to odometer source", zap.String("topic", topic))
	return nil
}

// Odometer implements status.OdometerSource.
func (p *Publisher) Odometer() (float64, bool) {
	p.odoMu.RLock()
	defer p.odoMu.RUnlock()
	return p.odometerKm, p.odometerOK
}

// Notify implements status.Notifier by publishing a retained notification.
func (p *Publisher) Notify(title, message string) {
	payload, err := json.Marshal(Notification{
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error("failed to marshal notification", zap.Error(err))
		return
	}

	topic := p.topicPrefix + "/notifications"
	token := p.client.Publish(topic, 0, true, payload)
	if token.Wait() && token.Error() != nil {
		p.logger.Error("failed to publish notification", zap.String("topic", topic), zap.Error(token.Error()))
	}
}

// OnStatusUpdate implements status.Observer. Publishing happens on its own
// goroutine so the store fan-out never blocks on the broker.
func (p *Publisher) OnStatusUpdate(s status.Snapshot) {
	go p.publishVehicleState(s)
}

func (p *Publisher) publishVehicleState(s status.Snapshot) {
	span := tracer.StartSpan("mqtt.publish_vehicle_state")
	defer span.Finish()

	state, err := decodeState(s)
	if err != nil {
		p.logger.Warn("failed to decode snapshot for publishing", zap.Error(err))
		return
	}

	base := p.topicPrefix + "/vehicle"

	if state.VehicleName != "" {
		p.publish(base+"/name", state.VehicleName)
	}
	if state.Vendor != "" {
		p.publish(base+"/vendor", state.Vendor)
	}
	if state.LastSeen != "" {
		p.publish(base+"/last_seen", state.LastSeen)
	}
	if state.IsReachable != nil {
		p.publish(base+"/is_reachable", *state.IsReachable)
	}

	if cs := state.ChargeState; cs != nil {
		if cs.BatteryLevel != nil {
			p.publish(base+"/battery_level", *cs.BatteryLevel)
		}
		if cs.BatteryCapacity != nil {
			p.publish(base+"/battery_capacity", *cs.BatteryCapacity)
		}
		if cs.ChargeLimit != nil {
			p.publish(base+"/charge_limit", *cs.ChargeLimit)
		}
		if cs.ChargeRate != nil {
			p.publish(base+"/charge_rate", *cs.ChargeRate)
		}
		if cs.ChargeTimeRemaining != nil {
			p.publish(base+"/charge_time_remaining", *cs.ChargeTimeRemaining)
		}
		if cs.Range != nil {
			p.publish(base+"/range", *cs.Range)
		}
		if cs.IsCharging != nil {
			p.publish(base+"/is_charging", *cs.IsCharging)
		}
		if cs.IsPluggedIn != nil {
			p.publish(base+"/is_plugged_in", *cs.IsPluggedIn)
		}
		if cs.PowerDeliveryState != "" {
			p.publish(base+"/power_delivery_state", cs.PowerDeliveryState)
		}
	}

	if loc := state.Location; loc != nil {
		if loc.Latitude != nil {
			p.publish(base+"/latitude", *loc.Latitude)
		}
		if loc.Longitude != nil {
			p.publish(base+"/longitude", *loc.Longitude)
		}
	}

	if info := state.Information; info != nil {
		if info.DisplayName != "" {
			p.publish(base+"/display_name", info.DisplayName)
		}
		if info.VIN != "" {
			p.publish(base+"/vin", info.VIN)
		}
		if info.Brand != "" {
			p.publish(base+"/brand", info.Brand)
		}
		if info.Model != "" {
			p.publish(base+"/model", info.Model)
		}
		if info.Year != nil {
			p.publish(base+"/year", *info.Year)
		}
	}

	if odo := state.Odometer; odo != nil && odo.Distance != nil {
		p.publish(base+"/odometer", *odo.Distance)
	}
}

// userFields maps user-info snapshot keys to topic suffixes.
var userFields = map[string]string{
	"tier":        "tier",
	"email":       "email",
	"name":        "name",
	"role":        "role",
	"sms_credits": "sms_credits",
}

// PublishUserInfo republishes the account info snapshot.
func (p *Publisher) PublishUserInfo(info status.Snapshot) {
	go func() {
		span := tracer.StartSpan("mqtt.publish_user_info")
		defer span.Finish()

		base := p.topicPrefix + "/user"
		for key, suffix := range userFields {
			if v, ok := info.Get(key); ok {
				p.publish(base+"/"+suffix, v)
			}
		}
	}()
}

// publish publishes a value to a topic (handles different types)
func (p *Publisher) publish(topic string, value interface{}) {
	var payload string
	switch v := value.(type) {
	case bool:
		if v {
			payload = "true"
		} else {
			payload = "false"
		}
	case string:
		payload = v
	case float64:
		payload = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		payload = strconv.Itoa(v)
	default:
		payload = fmt.Sprintf("%v", v)
	}

	token := p.client.Publish(topic, 0, true, payload) // QoS 0, retained
	if token.Wait() && token.Error() != nil {
		p.logger.Error("failed to publish MQTT message", zap.String("topic", topic), zap.Error(token.Error()))
		return
	}

	p.logger.Debug("published MQTT message", zap.String("topic", topic), zap.String("payload", payload))
}

// Close closes the MQTT connection.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT publisher closed")
	}
}
