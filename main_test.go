package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ericogr/envlogger/pkg/config"
	"github.com/ericogr/envlogger/pkg/sensor"
)

func TestComputeSensorInterval(t *testing.T) {
	// no sensors -> fallback to the loop period
	cfg := config.Config{LoopMs: 10}
	if got := computeSensorInterval(cfg); got != 10 {
		t.Fatalf("fallback interval: got %d want 10", got)
	}

	// one channel (default sample rate 128)
	cfg.Sensors = []config.SensorConfig{{Type: config.SensorTypeADS1115, Channel: 0}}
	if got := computeSensorInterval(cfg); got != 10 {
		t.Fatalf("one channel interval: got %d want 10", got)
	}

	// two channels of one chip at 128 -> 2 * (9 + 5 margin)
	cfg.Sensors = []config.SensorConfig{{Type: config.SensorTypeADS1115, Channel: 0}, {Type: config.SensorTypeADS1115, Channel: 1}}
	if got := computeSensorInterval(cfg); got != 28 {
		t.Fatalf("two channel interval: got %d want 28", got)
	}

	// mixed sample rates: 128 and 250 -> (9 + 5) + (6 + 5)
	cfg.Sensors = []config.SensorConfig{{Type: config.SensorTypeADS1115, Channel: 0, SampleRate: 128}, {Type: config.SensorTypeADS1115, Channel: 1, SampleRate: 250}}
	if got := computeSensorInterval(cfg); got != 25 {
		t.Fatalf("mixed interval: got %d want 25", got)
	}

	// explicit bus and address equal to the defaults name the same chip
	cfg.Sensors = []config.SensorConfig{
		{Type: config.SensorTypeADS1115, Channel: 0},
		{Type: config.SensorTypeADS1115, I2CBus: "1", I2CAddress: 0x48, Channel: 1},
		{Type: config.SensorTypeADS1115, I2CAddress: 0x48, Channel: 2},
	}
	if got := computeSensorInterval(cfg); got != 42 {
		t.Fatalf("default chip interval: got %d want 42", got)
	}

	// separate chips convert in parallel; slow simulated sensor dominates
	cfg.Sensors = []config.SensorConfig{
		{Type: config.SensorTypeADS1115, Channel: 0, SampleRate: 8},
		{Type: config.SensorTypeADS1115, I2CAddress: 0x49, Channel: 0, SampleRate: 8},
		{Type: config.SensorTypeSimulated, DelayMs: 750},
	}
	if got := computeSensorInterval(cfg); got != 750 {
		t.Fatalf("parallel chips interval: got %d want 750", got)
	}
}

func TestInitOutputsSetsInterval(t *testing.T) {
	cfg := config.Config{Outputs: []config.OutputConfig{{Type: "console"}, {Type: "console", IntervalMs: 5000}}}
	entries, err := initOutputs(&cfg, 123, nil, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("initOutputs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries len: %d", len(entries))
	}
	if cfg.Outputs[0].IntervalMs != 123 {
		t.Fatalf("cfg output interval not set, got %d", cfg.Outputs[0].IntervalMs)
	}
	if entries[0].IntervalMs != 123 || entries[1].IntervalMs != 5000 {
		t.Fatalf("entry intervals: got %d, %d", entries[0].IntervalMs, entries[1].IntervalMs)
	}

	cfg.Outputs = []config.OutputConfig{{Type: "console"}, {Type: "carrier-pigeon"}}
	if _, err := initOutputs(&cfg, 123, nil, zap.NewNop().Sugar()); err == nil {
		t.Fatalf("expected error for unknown output")
	}
}

type countingOutput struct {
	published int
	err       error
}

func (o *countingOutput) Publish([]sensor.Reading) error { o.published++; return o.err }
func (o *countingOutput) Close() error                   { return nil }

func TestPublishDue(t *testing.T) {
	fast, slow := &countingOutput{}, &countingOutput{err: errors.New("offline")}
	entries := []*outputEntry{
		{Type: "fast", Output: fast, IntervalMs: 1000},
		{Type: "slow", Output: slow, IntervalMs: 3000},
	}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		publishDue(entries, nil, start.Add(time.Duration(i)*time.Second), zap.NewNop().Sugar())
	}
	if fast.published != 6 {
		t.Fatalf("fast published %d times, want 6", fast.published)
	}
	if slow.published != 2 {
		t.Fatalf("slow published %d times, want 2", slow.published)
	}
	if err := closeOutputs(entries); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRunLoopWritesCSV(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SensorType = config.ModeSimulation
	cfg.Outputs = nil
	cfg.CSV.Dir = dir
	cfg.CSV.PrintTime = "sec"
	cfg.Sensors = []config.SensorConfig{
		{Type: config.SensorTypeSimulated, Name: "air", Symbol: "T", Unit: "°C", Format: "%.1f", Mean: 21, DelayMs: 100},
		{Type: config.SensorTypeThermal, Name: "cpu"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	logger := zap.NewNop().Sugar()
	mock := clock.NewMock()
	factory := sensor.NewFactory(true, logger)
	reg, err := buildRegistry(cfg, factory, mock, logger)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if reg.Available() != 2 {
		t.Fatalf("available sensors: %d", reg.Available())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runLoop(ctx, cfg, reg, factory, mock, logger) }()

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 350; i++ {
		mock.Add(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runLoop: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "sensors.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	if lines[0] != "time/s,air (°C),cpu (°C)" {
		t.Fatalf("header: %q", lines[0])
	}
	if len(lines) < 3 {
		t.Fatalf("want at least 2 data lines, got %q", lines)
	}
	if !strings.Contains(lines[1], ",21.0,") {
		t.Fatalf("first data line: %q", lines[1])
	}
	for _, line := range lines {
		if n := len(strings.Split(line, ",")); n != 3 {
			t.Fatalf("line %q has %d columns", line, n)
		}
	}
}

func TestApplyInterval(t *testing.T) {
	logger := zap.NewNop().Sugar()
	cfg := config.DefaultConfig()
	cfg.SensorType = config.ModeSimulation
	cfg.Sensors = []config.SensorConfig{{Type: config.SensorTypeSimulated, Name: "air", DelayMs: 750}}
	reg, err := buildRegistry(cfg, sensor.NewFactory(true, logger), clock.NewMock(), logger)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}

	cfg.Interval = 3
	applyInterval(reg, cfg, logger)
	if reg.Interval() != 3 {
		t.Fatalf("interval: got %v want 3", reg.Interval())
	}

	// shorter than the conversion delay
	cfg.Interval = 0.1
	applyInterval(reg, cfg, logger)
	if reg.Interval() != 0.75 {
		t.Fatalf("interval: got %v want 0.75", reg.Interval())
	}
}
