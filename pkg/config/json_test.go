package config

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalConfigJSON(t *testing.T) {
	js := `{
        "interval": 2,
        "sensor_type": "simulation",
        "outputs": [{"type":"console"}, {"type":"mqtt","interval_ms":5000,"mqtt":{"server":"tcp://localhost:1883","state_topic":"env/%s"}}],
        "csv": {"enabled": true, "dir": "/data", "path": "logger1", "symbols": true, "print_time": "sec"},
        "sensors": [
            {"type": "ads1115", "name": "voltage", "symbol": "U", "i2c_bus": "2", "i2c_address": "0x48", "channel": 1, "sample_rate": 250},
            {"type": "thermal", "name": "cpu temperature", "symbol": "Tcpu", "zone": "thermal_zone0", "convert": "fahrenheit"},
            {"type": "simulated", "name": "pressure", "symbol": "p", "unit": "Pa", "format": "%7.0f", "i2c_address": 119, "mean": 101325, "noise": 50}
        ]
    }`

	var cfg Config
	if err := json.Unmarshal([]byte(js), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Interval != 2 {
		t.Fatalf("interval: got %v", cfg.Interval)
	}
	if cfg.SensorType != ModeSimulation {
		t.Fatalf("sensor_type: got %q", cfg.SensorType)
	}
	if len(cfg.Outputs) != 2 || cfg.Outputs[1].MQTT == nil || cfg.Outputs[1].IntervalMs != 5000 {
		t.Fatalf("outputs: %+v", cfg.Outputs)
	}
	if !cfg.CSV.Symbols || cfg.CSV.Dir != "/data" || cfg.CSV.PrintTime != "sec" {
		t.Fatalf("csv: %+v", cfg.CSV)
	}
	if len(cfg.Sensors) != 3 {
		t.Fatalf("sensors len: %d", len(cfg.Sensors))
	}
	if s := cfg.Sensors[0]; s.I2CAddress != 0x48 || s.Channel != 1 || s.SampleRate != 250 {
		t.Fatalf("sensor0 incorrect: %+v", s)
	}
	if s := cfg.Sensors[1]; s.Zone != "thermal_zone0" || s.Convert != "fahrenheit" {
		t.Fatalf("sensor1 incorrect: %+v", s)
	}
	if s := cfg.Sensors[2]; s.I2CAddress != 119 || s.Mean != 101325 || s.Format != "%7.0f" {
		t.Fatalf("sensor2 incorrect: %+v", s)
	}

	var a Address
	if err := json.Unmarshal([]byte(`"0xZZ"`), &a); err == nil {
		t.Fatalf("expected error for bad address")
	}
	if err := json.Unmarshal([]byte(`true`), &a); err == nil {
		t.Fatalf("expected error for boolean address")
	}
}
