package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	SensorTypeADS1115   = "ads1115"
	SensorTypeThermal   = "thermal"
	SensorTypeSimulated = "simulated"

	// SensorType values of Config
	ModeReal       = "real"
	ModeSimulation = "simulation"
)

type MQTTConfig struct {
	Server            string `json:"server"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	ClientID          string `json:"client_id"`
	StateTopic        string `json:"state_topic"`
	DiscoveryTopic    string `json:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty"`
}

type OutputConfig struct {
	Type       string      `json:"type"`
	IntervalMs int         `json:"interval_ms,omitempty"`
	MQTT       *MQTTConfig `json:"mqtt,omitempty"`
}

// SensorConfig describes one sensor. Hardware fields only apply to the
// matching Type.
type SensorConfig struct {
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	Symbol     string  `json:"symbol"`
	Unit       string  `json:"unit,omitempty"`
	Format     string  `json:"format,omitempty"`
	Resolution float64 `json:"resolution,omitempty"`

	// Convert names a canned unit change, e.g. "fahrenheit" or "bar".
	Convert string `json:"convert,omitempty"`
	// DisplayUnit, CalibrationScale and CalibrationOffset set a custom
	// linear transform when CalibrationScale is non-zero.
	DisplayUnit       string  `json:"display_unit,omitempty"`
	CalibrationScale  float64 `json:"calibration_scale,omitempty"`
	CalibrationOffset float64 `json:"calibration_offset,omitempty"`

	// ads1115
	I2CBus     string  `json:"i2c_bus,omitempty"`
	I2CAddress Address `json:"i2c_address,omitempty"`
	Channel    int     `json:"channel,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`

	// thermal
	Zone string `json:"zone,omitempty"`

	// simulated
	Mean    float64 `json:"mean,omitempty"`
	Noise   float64 `json:"noise,omitempty"`
	DelayMs int     `json:"delay_ms,omitempty"`
}

type CSVConfig struct {
	Enabled   bool   `json:"enabled"`
	Dir       string `json:"dir"`
	Path      string `json:"path"`
	Symbols   bool   `json:"symbols"`
	Append    bool   `json:"append"`
	Delimiter string `json:"delimiter"`
	PrintTime string `json:"print_time"`
}

type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

type Config struct {
	// Interval between readings in seconds.
	Interval float64 `json:"interval"`
	// LoopMs is the period of the control loop driving the scheduler.
	LoopMs     int            `json:"loop_ms"`
	SensorType string         `json:"sensor_type"`
	Sensors    []SensorConfig `json:"sensors"`
	CSV        CSVConfig      `json:"csv"`
	Outputs    []OutputConfig `json:"outputs"`
	Log        LogConfig      `json:"log"`
	API        APIConfig      `json:"api"`
}

// APIConfig enables the HTTP API when Listen is set, e.g. ":8080".
type APIConfig struct {
	Listen string `json:"listen,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Interval:   1,
		LoopMs:     10,
		SensorType: ModeReal,
		CSV: CSVConfig{
			Enabled:   true,
			Dir:       ".",
			Path:      "sensors",
			Delimiter: ",",
			PrintTime: "iso",
		},
		Outputs: []OutputConfig{{Type: "console"}},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads a JSON config file on top of DefaultConfig. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// Overrides holds command line values. Zero values leave the config as is.
type Overrides struct {
	Interval        float64
	SensorType      string
	CSVPath         string
	CSVDir          string
	Append          bool
	Symbols         bool
	PrintTime       string
	Outputs         string // console,mqtt
	OutputIntervals string // console=1000,mqtt=5000
	Units           string // T=fahrenheit,p=bar
	MQTTServer      string
	MQTTUser        string
	MQTTPass        string
	MQTTClientID    string
	MQTTTopic       string
	LogLevel        string
	LogFile         string
	Listen          string
}

// Apply merges o into cfg.
func (cfg *Config) Apply(o Overrides) error {
	if o.Interval > 0 {
		cfg.Interval = o.Interval
	}
	if o.SensorType != "" {
		cfg.SensorType = o.SensorType
	}
	if o.CSVPath != "" {
		cfg.CSV.Path = o.CSVPath
		cfg.CSV.Enabled = true
	}
	if o.Listen != "" {
		cfg.API.Listen = o.Listen
	}
	if o.CSVDir != "" {
		cfg.CSV.Dir = o.CSVDir
	}
	if o.Append {
		cfg.CSV.Append = true
	}
	if o.Symbols {
		cfg.CSV.Symbols = true
	}
	if o.PrintTime != "" {
		cfg.CSV.PrintTime = o.PrintTime
	}
	if o.Outputs != "" {
		parts := parseCSV(o.Outputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}
	if o.OutputIntervals != "" {
		intervals, err := parseKeyIntMap(o.OutputIntervals)
		if err != nil {
			return errors.Wrap(err, "output-intervals")
		}
		for i := range cfg.Outputs {
			if v, ok := intervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}
	if o.Units != "" {
		units, err := parseKeyValueMap(o.Units)
		if err != nil {
			return errors.Wrap(err, "units")
		}
		for i := range cfg.Sensors {
			if v, ok := units[cfg.Sensors[i].Symbol]; ok {
				cfg.Sensors[i].Convert = v
			}
		}
	}
	if o.MQTTServer != "" || o.MQTTUser != "" || o.MQTTPass != "" || o.MQTTClientID != "" || o.MQTTTopic != "" {
		// apply to all mqtt outputs, creating one if none exists
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) != "mqtt" {
				continue
			}
			if cfg.Outputs[i].MQTT == nil {
				cfg.Outputs[i].MQTT = &MQTTConfig{}
			}
			o.applyMQTT(cfg.Outputs[i].MQTT)
			applied = true
		}
		if !applied {
			out := OutputConfig{Type: "mqtt", MQTT: &MQTTConfig{}}
			o.applyMQTT(out.MQTT)
			cfg.Outputs = append(cfg.Outputs, out)
		}
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFile != "" {
		cfg.Log.File = o.LogFile
	}
	return nil
}

func (o Overrides) applyMQTT(m *MQTTConfig) {
	if o.MQTTServer != "" {
		m.Server = o.MQTTServer
	}
	if o.MQTTUser != "" {
		m.Username = o.MQTTUser
	}
	if o.MQTTPass != "" {
		m.Password = o.MQTTPass
	}
	if o.MQTTClientID != "" {
		m.ClientID = o.MQTTClientID
	}
	if o.MQTTTopic != "" {
		m.StateTopic = o.MQTTTopic
	}
}

// Validate checks values that would otherwise fail later at startup.
func (cfg Config) Validate() error {
	if cfg.Interval <= 0 {
		return errors.New("interval must be > 0")
	}
	if cfg.LoopMs <= 0 {
		return errors.New("loop_ms must be > 0")
	}
	if cfg.SensorType != ModeReal && cfg.SensorType != ModeSimulation {
		return errors.Errorf("sensor_type must be %s or %s, got %q", ModeReal, ModeSimulation, cfg.SensorType)
	}
	if len(cfg.Sensors) == 0 {
		return errors.New("no sensors configured")
	}
	seen := map[string]bool{}
	for i, s := range cfg.Sensors {
		if s.Name == "" {
			return errors.Errorf("sensor %d has no name", i)
		}
		if seen[s.Name] {
			return errors.Errorf("duplicate sensor name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Type {
		case SensorTypeADS1115:
			if s.Channel < 0 || s.Channel > 3 {
				return errors.Errorf("sensor %s: invalid channel %d", s.Name, s.Channel)
			}
		case SensorTypeThermal, SensorTypeSimulated:
		default:
			return errors.Errorf("sensor %s: unknown type %q", s.Name, s.Type)
		}
	}
	if len(cfg.CSV.Delimiter) > 1 && cfg.CSV.Delimiter != "\\t" {
		return errors.Errorf("csv delimiter must be a single character, got %q", cfg.CSV.Delimiter)
	}
	return nil
}

func parseIntOrHex(s string) (int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	return strconv.Atoi(s)
}

// Address is a bus address given either as a JSON number or as a decimal
// or 0x-prefixed hexadecimal string.
type Address int

func (a *Address) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*a = Address(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Errorf("invalid address %s", b)
	}
	v, err := parseIntOrHex(s)
	if err != nil {
		return errors.Wrapf(err, "address %q", s)
	}
	*a = Address(v)
	return nil
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseKeyValueMap(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("invalid entry %q, want key=value", p)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

func parseKeyIntMap(s string) (map[string]int, error) {
	kv, err := parseKeyValueMap(s)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(kv))
	for k, v := range kv {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid value for %s", k)
		}
		out[k] = n
	}
	return out, nil
}

// Separator returns the column delimiter, accepting "\t" for a tab.
func (c CSVConfig) Separator() string {
	switch c.Delimiter {
	case "":
		return ","
	case "\\t":
		return "\t"
	default:
		return c.Delimiter
	}
}
