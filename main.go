package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ericogr/envlogger/pkg/api"
	"github.com/ericogr/envlogger/pkg/config"
	"github.com/ericogr/envlogger/pkg/csvlog"
	"github.com/ericogr/envlogger/pkg/logging"
	"github.com/ericogr/envlogger/pkg/output"
	"github.com/ericogr/envlogger/pkg/output/console"
	"github.com/ericogr/envlogger/pkg/output/mqtt"
	"github.com/ericogr/envlogger/pkg/registry"
	"github.com/ericogr/envlogger/pkg/sensor"
)

type outputEntry struct {
	Type       string
	Output     output.Output
	IntervalMs int
	last       time.Time
}

func main() {
	app := &cli.App{
		Name:  "envlogger",
		Usage: "read environmental sensors and log them to csv, console and mqtt",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to JSON config file", EnvVars: []string{"ENVLOGGER_CONFIG"}},
			&cli.Float64Flag{Name: "interval", Usage: "seconds between readings"},
			&cli.StringFlag{Name: "sensor-type", Usage: "real or simulation"},
			&cli.StringFlag{Name: "csv-path", Usage: "csv file name, .csv is appended"},
			&cli.StringFlag{Name: "csv-dir", Usage: "directory of the csv file"},
			&cli.BoolFlag{Name: "append", Usage: "append to an existing csv file"},
			&cli.BoolFlag{Name: "symbols", Usage: "use sensor symbols in the csv header"},
			&cli.StringFlag{Name: "print-time", Usage: "csv time column: none, sec or iso"},
			&cli.StringFlag{Name: "outputs", Usage: "comma separated outputs, e.g. console,mqtt"},
			&cli.StringFlag{Name: "output-intervals", Usage: "per output publish interval in ms, e.g. console=1000,mqtt=5000"},
			&cli.StringFlag{Name: "units", Usage: "unit conversions by symbol, e.g. T=fahrenheit,p=mbar"},
			&cli.StringFlag{Name: "mqtt-server"},
			&cli.StringFlag{Name: "mqtt-user"},
			&cli.StringFlag{Name: "mqtt-pass", EnvVars: []string{"ENVLOGGER_MQTT_PASS"}},
			&cli.StringFlag{Name: "mqtt-client-id"},
			&cli.StringFlag{Name: "mqtt-topic"},
			&cli.StringFlag{Name: "log-level"},
			&cli.StringFlag{Name: "log-file"},
			&cli.StringFlag{Name: "listen", Usage: "serve the HTTP API on this address, e.g. :8080"},
			&cli.BoolFlag{Name: "watch", Usage: "reload the interval when the config file changes"},
			&cli.BoolFlag{Name: "once", Usage: "read all sensors once, print them and exit"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func overridesFromCLI(c *cli.Context) config.Overrides {
	return config.Overrides{
		Interval:        c.Float64("interval"),
		SensorType:      c.String("sensor-type"),
		CSVPath:         c.String("csv-path"),
		CSVDir:          c.String("csv-dir"),
		Append:          c.Bool("append"),
		Symbols:         c.Bool("symbols"),
		PrintTime:       c.String("print-time"),
		Outputs:         c.String("outputs"),
		OutputIntervals: c.String("output-intervals"),
		Units:           c.String("units"),
		MQTTServer:      c.String("mqtt-server"),
		MQTTUser:        c.String("mqtt-user"),
		MQTTPass:        c.String("mqtt-pass"),
		MQTTClientID:    c.String("mqtt-client-id"),
		MQTTTopic:       c.String("mqtt-topic"),
		LogLevel:        c.String("log-level"),
		LogFile:         c.String("log-file"),
		Listen:          c.String("listen"),
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.Apply(overridesFromCLI(c)); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	logger, err := logging.New("envlogger", cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := sensor.NewFactory(cfg.SensorType == config.ModeSimulation, logger)
	reg, err := buildRegistry(cfg, factory, clock.New(), logger)
	if err != nil {
		return multierr.Append(err, factory.Close())
	}
	reg.Report(os.Stdout)

	if c.Bool("once") {
		err := reg.Read(ctx)
		if err == nil {
			reg.Print(os.Stdout, cfg.CSV.Symbols)
		}
		return multierr.Append(err, factory.Close())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runLoop(ctx, cfg, reg, factory, clock.New(), logger) })
	if cfg.API.Listen != "" {
		srv := api.New(reg, logger.Named("api"))
		g.Go(func() error { return srv.ListenAndServe(ctx, cfg.API.Listen) })
	}
	if path := c.String("config"); c.Bool("watch") && path != "" {
		overrides := overridesFromCLI(c)
		g.Go(func() error {
			return config.Watch(ctx, path, overrides, logger.Named("config"), func(nc config.Config) {
				applyInterval(reg, nc, logger)
			})
		})
	}
	return g.Wait()
}

// applyInterval sets the reading interval of a reloaded config, raised to
// what its sensors need.
func applyInterval(reg *registry.Registry, cfg config.Config, logger *zap.SugaredLogger) {
	interval := cfg.Interval
	if minMs := computeSensorInterval(cfg); float64(minMs) > interval*1000 {
		interval = float64(minMs) / 1000
	}
	if interval != reg.Interval() {
		logger.Infow("interval changed", "from", reg.Interval(), "to", interval)
		reg.SetInterval(interval)
	}
}

// buildRegistry creates all configured sensors. Unavailable ones are kept and
// reported but never read.
func buildRegistry(cfg config.Config, factory *sensor.Factory, clk clock.Clock, logger *zap.SugaredLogger) (*registry.Registry, error) {
	reg := registry.New(clk, logger.Named("registry"))
	for _, sc := range cfg.Sensors {
		s, err := factory.New(sc)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(s); err != nil {
			return nil, err
		}
	}
	interval := cfg.Interval
	if minMs := computeSensorInterval(cfg); float64(minMs) > interval*1000 {
		logger.Warnw("interval shorter than sensor conversion, raising it", "interval", interval, "min_ms", minMs)
		interval = float64(minMs) / 1000
	}
	reg.SetInterval(interval)
	return reg, nil
}

// computeSensorInterval returns the shortest interval in ms that allows all
// configured sensors to complete a conversion. Channels of one ADS1115 are
// converted one after the other.
func computeSensorInterval(cfg config.Config) int {
	chips := map[string][]int{}
	longest := 0
	for _, sc := range cfg.Sensors {
		switch sc.Type {
		case config.SensorTypeADS1115:
			key := sensor.ADS1115ChipKey(sc.I2CBus, uint16(sc.I2CAddress))
			chips[key] = append(chips[key], sc.SampleRate)
		case config.SensorTypeSimulated:
			if sc.DelayMs > longest {
				longest = sc.DelayMs
			}
		}
	}
	for _, rates := range chips {
		if ms := int(sensor.ADS1115Delay(rates...).Milliseconds()); ms > longest {
			longest = ms
		}
	}
	if longest < cfg.LoopMs {
		longest = cfg.LoopMs
	}
	return longest
}

// initOutputs creates the configured outputs. Outputs without an interval
// publish every defaultIntervalMs; cfg is updated accordingly.
func initOutputs(cfg *config.Config, defaultIntervalMs int, entities []sensor.Reading, logger *zap.SugaredLogger) ([]*outputEntry, error) {
	entries := make([]*outputEntry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs <= 0 {
			oc.IntervalMs = defaultIntervalMs
		}
		var out output.Output
		switch strings.ToLower(oc.Type) {
		case "console":
			out = console.NewConsole(cfg.CSV.Symbols)
		case "mqtt":
			mc := config.MQTTConfig{}
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			m, err := mqtt.NewMQTT(mc, entities, logger.Named("mqtt"))
			if err != nil {
				return nil, multierr.Append(err, closeOutputs(entries))
			}
			out = m
		default:
			return nil, multierr.Append(errors.Errorf("unknown output type %q", oc.Type), closeOutputs(entries))
		}
		entries = append(entries, &outputEntry{Type: oc.Type, Output: out, IntervalMs: oc.IntervalMs})
	}
	return entries, nil
}

// publishDue sends readings to every output whose interval has passed.
func publishDue(entries []*outputEntry, readings []sensor.Reading, now time.Time, logger *zap.SugaredLogger) {
	for _, e := range entries {
		if !e.last.IsZero() && now.Sub(e.last) < time.Duration(e.IntervalMs)*time.Millisecond {
			continue
		}
		e.last = now
		if err := e.Output.Publish(readings); err != nil {
			logger.Warnw("publish", "output", e.Type, "error", err)
		}
	}
}

func closeOutputs(entries []*outputEntry) error {
	var err error
	for _, e := range entries {
		err = multierr.Append(err, errors.Wrapf(e.Output.Close(), "close %s", e.Type))
	}
	return err
}

func openCSV(cfg config.Config, reg *registry.Registry, logger *zap.SugaredLogger) (*csvlog.Pipeline, error) {
	mode, err := csvlog.ParseTimeMode(cfg.CSV.PrintTime)
	if err != nil {
		return nil, err
	}
	p := csvlog.New(reg, csvlog.Options{
		Delimiter: cfg.CSV.Separator(),
		TimeMode:  mode,
		Logger:    logger.Named("csv"),
	})
	if err := os.MkdirAll(cfg.CSV.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "csv dir")
	}
	if !p.Open(csvlog.NewDirVolume(cfg.CSV.Dir), cfg.CSV.Path, cfg.CSV.Symbols, cfg.CSV.Append) {
		return nil, errors.Errorf("cannot open csv file %s in %s", cfg.CSV.Path, cfg.CSV.Dir)
	}
	return p, nil
}

// runLoop drives the registry every LoopMs until ctx is done.
func runLoop(ctx context.Context, cfg config.Config, reg *registry.Registry, factory *sensor.Factory, clk clock.Clock, logger *zap.SugaredLogger) (err error) {
	defer func() { err = multierr.Append(err, factory.Close()) }()

	var pipeline *csvlog.Pipeline
	if cfg.CSV.Enabled {
		if pipeline, err = openCSV(cfg, reg, logger); err != nil {
			return err
		}
		defer func() {
			if !pipeline.Close() {
				err = multierr.Append(err, errors.New("close csv file"))
			}
		}()
	}

	entries, err := initOutputs(&cfg, int(math.Round(reg.Interval()*1000)), reg.Snapshot(), logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeOutputs(entries)) }()

	if pipeline != nil {
		pipeline.Start()
	} else {
		reg.Start()
	}
	logger.Infow("acquisition running", "sensors", reg.Available(), "interval_s", reg.Interval(), "delay", reg.DelayTime())

	ticker := clk.Ticker(time.Duration(cfg.LoopMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
		var refreshed bool
		if pipeline != nil {
			refreshed = pipeline.Update()
			if pipeline.Pending() && !pipeline.Write() {
				logger.Warnw("csv write failed", "path", pipeline.Path())
			}
		} else {
			refreshed = reg.Update()
		}
		if refreshed {
			publishDue(entries, reg.Snapshot(), clk.Now(), logger)
		}
	}
}
