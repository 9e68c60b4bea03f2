package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ericogr/envlogger/pkg/config"
	"github.com/ericogr/envlogger/pkg/output"
	"github.com/ericogr/envlogger/pkg/sensor"
)

const (
	// defaults
	DefaultServer     = "tcp://localhost:1883"
	DefaultClientID   = "envlogger"
	DefaultStateTopic = "envlogger/%s"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
	valueTemplateValue     = "{{ value_json.value }}"

	disconnectQuiesceMs = 250
)

// state payload of one reading
type statePayload struct {
	Name      string  `json:"name"`
	Symbol    string  `json:"symbol,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Value     float64 `json:"value"`
	Text      string  `json:"text"`
	Timestamp string  `json:"timestamp"`
}

type MQTTOutput struct {
	client         mqtt.Client
	cfg            config.MQTTConfig
	stateTopic     string
	discoveryTopic string
	logger         *zap.SugaredLogger
}

// NewMQTT connects to the broker and announces the sensors in entities, e.g.
// a registry snapshot, to Home Assistant if a discovery topic is configured.
func NewMQTT(cfg config.MQTTConfig, entities []sensor.Reading, logger *zap.SugaredLogger) (output.Output, error) {
	cfg = withDefaults(cfg)
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "mqtt connect %s", cfg.Server)
	}
	logger.Infow("mqtt connected", "server", cfg.Server, "client_id", cfg.ClientID)
	return newWithClient(client, cfg, entities, logger), nil
}

func newWithClient(client mqtt.Client, cfg config.MQTTConfig, entities []sensor.Reading, logger *zap.SugaredLogger) *MQTTOutput {
	m := &MQTTOutput{
		client:         client,
		cfg:            cfg,
		stateTopic:     cfg.StateTopic,
		discoveryTopic: cfg.DiscoveryTopic,
		logger:         logger,
	}
	if m.discoveryTopic == "" {
		return m
	}
	// per-sensor discovery when discoveryTopic contains a formatter
	if strings.Contains(m.discoveryTopic, "%s") {
		for _, e := range entities {
			dTopic := fmt.Sprintf(m.discoveryTopic, topicID(e))
			payload := baseDiscoveryPayload(discoveryName(cfg, &e), m.topicFor(e), discoveryUniqueID(cfg, &e), e.Unit)
			if err := m.publish(dTopic, true, payload); err != nil {
				logger.Warnw("mqtt discovery publish", "topic", dTopic, "error", err)
			}
		}
		return m
	}
	unit := ""
	if len(entities) == 1 {
		unit = entities[0].Unit
	}
	payload := baseDiscoveryPayload(discoveryName(cfg, nil), m.stateTopic, discoveryUniqueID(cfg, nil), unit)
	if err := m.publish(m.discoveryTopic, true, payload); err != nil {
		logger.Warnw("mqtt discovery publish", "topic", m.discoveryTopic, "error", err)
	}
	return m
}

func withDefaults(cfg config.MQTTConfig) config.MQTTConfig {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("%s-%s", DefaultClientID, uuid.NewString()[:8])
	}
	if cfg.StateTopic == "" {
		cfg.StateTopic = DefaultStateTopic
	}
	return cfg
}

// Publish sends one retained-free message per reading. Readings without a
// value are skipped.
func (m *MQTTOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		if sensor.IsNoValue(r.Value) {
			m.logger.Debugw("mqtt skip reading without value", "sensor", r.Name)
			continue
		}
		err := m.publish(m.topicFor(r), false, statePayload{
			Name:      r.Name,
			Symbol:    r.Symbol,
			Unit:      r.Unit,
			Value:     r.Value,
			Text:      r.Text,
			Timestamp: r.Timestamp.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// publish sends v encoded as JSON at QoS 0 and waits for the broker.
func (m *MQTTOutput) publish(topic string, retained bool, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", topic)
	}
	token := m.client.Publish(topic, 0, retained, b)
	token.Wait()
	return errors.Wrapf(token.Error(), "publish %s", topic)
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}

func (m *MQTTOutput) topicFor(r sensor.Reading) string {
	return formatStateTopic(m.stateTopic, topicID(r))
}

// helper: format a state topic for a sensor using an optional formatter
func formatStateTopic(base, id string) string {
	if base == "" {
		base = DefaultStateTopic
	}
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, id)
	}
	return base
}

// topicID is the sensor symbol, or name, usable as a topic level.
func topicID(r sensor.Reading) string {
	id := r.Symbol
	if id == "" {
		id = r.Name
	}
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.Map(func(c rune) rune {
		switch c {
		case ' ', '/', '+', '#', '%':
			return '_'
		}
		return c
	}, id)
}

// helper: build a human-friendly discovery name; if e != nil append the sensor
func discoveryName(cfg config.MQTTConfig, e *sensor.Reading) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("envlogger %s", cfg.ClientID)
	}
	if e != nil {
		name = fmt.Sprintf("%s %s", name, e.Name)
	}
	return name
}

// helper: build a unique id for discovery; if e != nil append the sensor
func discoveryUniqueID(cfg config.MQTTConfig, e *sensor.Reading) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid != "" && e != nil {
		uid = fmt.Sprintf("%s_%s", uid, topicID(*e))
	}
	return uid
}

// deviceClass maps a unit to the Home Assistant sensor device class.
func deviceClass(unit string) string {
	switch unit {
	case "°C", "K", "F", "°F":
		return "temperature"
	case "Pa", "hPa", "kPa", "bar", "mbar", "psi", "mmHg", "torr", "at", "atm":
		return "pressure"
	case "%", "%RH":
		return "humidity"
	case "V", "mV":
		return "voltage"
	}
	return ""
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID, unit string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateValue,
		keyJSONAttributesTopic: stateTopic,
	}
	if unit != "" {
		payload[keyUnitOfMeasurement] = unit
	}
	if dc := deviceClass(unit); dc != "" {
		payload[keyDeviceClass] = dc
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}
