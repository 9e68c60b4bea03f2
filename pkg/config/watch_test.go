package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"interval": 1, "sensors": [{"type":"simulated","name":"x"}]}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, Overrides{LogLevel: "debug"}, zap.NewNop().Sugar(), func(c Config) { changes <- c })
	}()
	time.Sleep(100 * time.Millisecond)

	// invalid content and other files in the directory are ignored
	write(`{"interval": -1, "sensors": [{"type":"simulated","name":"x"}]}`)
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	write(`{"interval": 5, "sensors": [{"type":"simulated","name":"x"}]}`)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Interval <= 0 {
				t.Fatalf("invalid config delivered: %+v", c)
			}
			if c.Interval != 5 {
				continue
			}
			if c.Log.Level != "debug" {
				t.Fatalf("overrides not applied: %+v", c.Log)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch: %v", err)
			}
			return
		case <-timeout:
			t.Fatal("no reload within 5s")
		}
	}
}
