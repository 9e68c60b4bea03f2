package registry

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/ericogr/envlogger/pkg/sensor"
)

type event struct {
	collect bool
	at      time.Time
}

// timedDevice records when it was requested and collected.
type timedDevice struct {
	clk       clock.Clock
	available bool
	delay     time.Duration
	value     float64
	next      float64
	events    *[]event
	requested time.Time
	early     bool // collected before delay elapsed
}

func (d *timedDevice) Available() bool                { return d.available }
func (d *timedDevice) Reading() float64               { return d.value }
func (d *timedDevice) ConversionDelay() time.Duration { return d.delay }
func (d *timedDevice) Identifier() string             { return "dev" }
func (d *timedDevice) Chip() string                   { return "stub" }

func (d *timedDevice) RequestReading() {
	d.requested = d.clk.Now()
	if d.events != nil {
		*d.events = append(*d.events, event{at: d.requested})
	}
}

func (d *timedDevice) CollectReading() {
	now := d.clk.Now()
	if now.Sub(d.requested) < d.delay {
		d.early = true
	}
	d.value = d.next
	if d.events != nil {
		*d.events = append(*d.events, event{collect: true, at: now})
	}
}

func newSensor(t *testing.T, name string, dev sensor.Capability) *sensor.Sensor {
	t.Helper()
	s, err := sensor.New(dev, name, strings.ToUpper(name[:1]), "°C", "%.1f", 0.1)
	test.That(t, err, test.ShouldBeNil)
	return s
}

func TestUpdateTiming(t *testing.T) {
	mock := clock.NewMock()
	var events []event
	fast := &timedDevice{clk: mock, available: true, delay: 100 * time.Millisecond, next: 1, events: &events}
	slow := &timedDevice{clk: mock, available: true, delay: 500 * time.Millisecond, next: 2}

	r := New(mock, zap.NewNop().Sugar())
	test.That(t, r.Add(newSensor(t, "fast", fast)), test.ShouldBeNil)
	test.That(t, r.Add(newSensor(t, "slow", slow)), test.ShouldBeNil)
	r.SetInterval(2)
	test.That(t, r.DelayTime(), test.ShouldEqual, 500*time.Millisecond)
	test.That(t, r.State(), test.ShouldEqual, Idle)

	r.Start()
	start := mock.Now()
	updates := 0
	for i := 0; i < 1000; i++ { // 10s in 10ms ticks
		if r.Update() {
			updates++
			test.That(t, r.LastUpdate().Before(mock.Now()), test.ShouldBeTrue)
		}
		mock.Add(10 * time.Millisecond)
	}

	test.That(t, fast.early, test.ShouldBeFalse)
	test.That(t, slow.early, test.ShouldBeFalse)
	test.That(t, updates, test.ShouldEqual, 5)
	test.That(t, events, test.ShouldHaveLength, 10)

	for i := 0; i < len(events); i += 2 {
		req, col := events[i], events[i+1]
		test.That(t, req.collect, test.ShouldBeFalse)
		test.That(t, col.collect, test.ShouldBeTrue)
		test.That(t, col.at.Sub(req.at), test.ShouldBeGreaterThanOrEqualTo, 500*time.Millisecond)
		test.That(t, req.at, test.ShouldEqual, start.Add(time.Duration(i/2)*2*time.Second))
	}
	test.That(t, r.StartTime(), test.ShouldEqual, start)
}

func TestUpdateNoDelay(t *testing.T) {
	mock := clock.NewMock()
	dev := &timedDevice{clk: mock, available: true, next: 3}
	r := New(mock, zap.NewNop().Sugar())
	test.That(t, r.Add(newSensor(t, "t", dev)), test.ShouldBeNil)

	test.That(t, r.Update(), test.ShouldBeFalse)
	r.Start()
	test.That(t, r.Update(), test.ShouldBeTrue)
	test.That(t, r.At(0).Value(), test.ShouldEqual, 3.0)
	test.That(t, r.Update(), test.ShouldBeFalse)
	mock.Add(999 * time.Millisecond)
	test.That(t, r.Update(), test.ShouldBeFalse)
	mock.Add(time.Millisecond)
	test.That(t, r.Update(), test.ShouldBeTrue)
}

func TestAdd(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock, zap.NewNop().Sugar())

	off := newSensor(t, "offline", &sensor.Offline{ID: "x", Kind: "ADS1115"})
	test.That(t, r.Add(off), test.ShouldBeNil)
	test.That(t, r.Size(), test.ShouldEqual, 1)
	test.That(t, r.Available(), test.ShouldEqual, 0)
	test.That(t, r.DelayTime(), test.ShouldEqual, time.Duration(0))

	s := newSensor(t, "temp", &timedDevice{clk: mock, available: true, delay: 300 * time.Millisecond})
	test.That(t, r.Add(s), test.ShouldBeNil)
	test.That(t, r.DelayTime(), test.ShouldEqual, 300*time.Millisecond)
	test.That(t, r.Add(s), test.ShouldNotBeNil)
	test.That(t, r.Sensors(), test.ShouldResemble, []*sensor.Sensor{s})

	for r.Size() < MaxSensors {
		test.That(t, r.Add(newSensor(t, fmt.Sprintf("s%d", r.Size()), &timedDevice{clk: mock, available: true})), test.ShouldBeNil)
	}
	err := r.Add(newSensor(t, "extra", &timedDevice{clk: mock, available: true}))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "full")
	test.That(t, r.Size(), test.ShouldEqual, MaxSensors)
}

func TestSetInterval(t *testing.T) {
	r := New(clock.NewMock(), zap.NewNop().Sugar())
	test.That(t, r.Interval(), test.ShouldEqual, 1.0)
	r.SetInterval(0.0504)
	test.That(t, r.Interval(), test.ShouldEqual, 0.05)
}

func TestRead(t *testing.T) {
	clk := clock.New()
	dev := &timedDevice{clk: clk, available: true, delay: 20 * time.Millisecond, next: 21.5}
	r := New(clk, zap.NewNop().Sugar())
	test.That(t, r.Add(newSensor(t, "temp", dev)), test.ShouldBeNil)

	test.That(t, r.Read(context.Background()), test.ShouldBeNil)
	test.That(t, dev.early, test.ShouldBeFalse)
	test.That(t, r.At(0).Value(), test.ShouldEqual, 21.5)

	snap := r.Snapshot()
	test.That(t, snap, test.ShouldHaveLength, 1)
	test.That(t, snap[0].Name, test.ShouldEqual, "temp")
	test.That(t, snap[0].Text, test.ShouldEqual, "21.5")
	test.That(t, snap[0].Timestamp, test.ShouldEqual, r.LastUpdate())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dev.delay = time.Hour
	r.Start()
	test.That(t, r.Read(ctx), test.ShouldEqual, context.Canceled)
}

func TestReadCompletesPendingRequest(t *testing.T) {
	clk := clock.New()
	var events []event
	dev := &timedDevice{clk: clk, available: true, delay: 20 * time.Millisecond, next: 3, events: &events}
	r := New(clk, zap.NewNop().Sugar())
	test.That(t, r.Add(newSensor(t, "temp", dev)), test.ShouldBeNil)

	r.Start()
	test.That(t, r.Update(), test.ShouldBeFalse)
	test.That(t, r.State(), test.ShouldEqual, AwaitCollect)
	requested := dev.requested

	test.That(t, r.Read(context.Background()), test.ShouldBeNil)
	test.That(t, events, test.ShouldHaveLength, 2)
	test.That(t, events[0].collect, test.ShouldBeFalse)
	test.That(t, events[1].collect, test.ShouldBeTrue)
	test.That(t, events[1].at.Sub(requested) >= 19*time.Millisecond, test.ShouldBeTrue)
	// stamped with the request Update issued
	stampLag := requested.Sub(r.LastUpdate())
	test.That(t, stampLag >= 0 && stampLag < time.Millisecond, test.ShouldBeTrue)
	test.That(t, r.State(), test.ShouldEqual, AwaitRequest)

	// the next request waits a full interval from the completed one
	test.That(t, r.Update(), test.ShouldBeFalse)
	test.That(t, events, test.ShouldHaveLength, 2)

	// a canceled Read leaves its request for Update to collect
	r.SetInterval(0.001)
	dev.next = 4
	time.Sleep(2 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, r.Read(ctx), test.ShouldEqual, context.Canceled)
	test.That(t, r.State(), test.ShouldEqual, AwaitCollect)
	time.Sleep(25 * time.Millisecond)
	test.That(t, r.Update(), test.ShouldBeTrue)
	test.That(t, r.At(0).Value(), test.ShouldEqual, 4.0)
	test.That(t, events, test.ShouldHaveLength, 4)
	test.That(t, dev.early, test.ShouldBeFalse)
}

func TestPrint(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock, zap.NewNop().Sugar())

	var buf bytes.Buffer
	r.Report(&buf)
	test.That(t, buf.String(), test.ShouldEqual, "No environmental sensors available.\n")

	temp := newSensor(t, "temperature", &timedDevice{clk: mock, available: true, next: 20.3})
	hum, err := sensor.New(&timedDevice{clk: mock, available: true, next: 0.5}, "humidity", "RH", "", "%.2f", 0.01)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Add(temp), test.ShouldBeNil)
	test.That(t, r.Add(hum), test.ShouldBeNil)
	test.That(t, r.Add(newSensor(t, "offline", &sensor.Offline{ID: "x"})), test.ShouldBeNil)
	r.Start()
	test.That(t, r.Update(), test.ShouldBeTrue)

	buf.Reset()
	r.Report(&buf)
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	test.That(t, lines, test.ShouldHaveLength, 3)
	test.That(t, lines[0], test.ShouldEqual, "2 of 3 environmental sensors available, read every 1s:")
	test.That(t, lines[1], test.ShouldContainSubstring, "temperature")

	buf.Reset()
	r.PrintHeader(&buf, false)
	r.PrintValues(&buf)
	test.That(t, buf.String(), test.ShouldEqual, "temperature (°C)\thumidity\n20.3\t0.50\n")

	buf.Reset()
	r.Print(&buf, true)
	test.That(t, buf.String(), test.ShouldEqual, "T = 20.3°C\nRH = 0.50\n")
}
