package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"

	"github.com/ericogr/envlogger/pkg/config"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	} {
		lvl, err := ParseLevel(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lvl, test.ShouldEqual, want)
	}
	_, err := ParseLevel("loud")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "loud")
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envlogger.log")
	logger, err := New("test", config.LogConfig{Level: "warn", File: path})
	test.That(t, err, test.ShouldBeNil)

	logger.Infow("hidden")
	logger.Warnw("sensor not available", "sensor", "air")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(b), test.ShouldContainSubstring, `"msg":"sensor not available"`)
	test.That(t, string(b), test.ShouldContainSubstring, `"sensor":"air"`)
	test.That(t, string(b), test.ShouldNotContainSubstring, "hidden")

	_, err = New("test", config.LogConfig{Level: "nope"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestObservedTestLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Debugw("tick", "n", 1)
	test.That(t, logs.FilterMessage("tick").Len(), test.ShouldEqual, 1)
}

func TestFileWriterDefaults(t *testing.T) {
	w := NewFileWriter(config.LogConfig{File: "x.log", MaxBackups: 3})
	test.That(t, w.MaxSize, test.ShouldEqual, 10)
	test.That(t, w.MaxBackups, test.ShouldEqual, 3)
}
