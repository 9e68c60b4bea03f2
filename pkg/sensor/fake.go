package sensor

import (
	"fmt"
	"math/rand"
	"time"
)

// Simulated produces readings scattered uniformly around a mean. It honours
// the request/collect protocol: a collect without a request yields NoValue.
type Simulated struct {
	id    string
	mean  float64
	noise float64
	delay time.Duration
	rnd   *rand.Rand

	pending bool
	value   float64
}

func NewSimulated(id string, mean, noise float64, delay time.Duration) *Simulated {
	return &Simulated{
		id:    id,
		mean:  mean,
		noise: noise,
		delay: delay,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		value: NoValue,
	}
}

func (f *Simulated) Available() bool                { return true }
func (f *Simulated) Reading() float64               { return f.value }
func (f *Simulated) ConversionDelay() time.Duration { return f.delay }
func (f *Simulated) Identifier() string             { return f.id }
func (f *Simulated) Chip() string                   { return "simulated" }
func (f *Simulated) RequestReading()                { f.pending = true }

func (f *Simulated) CollectReading() {
	if !f.pending {
		f.value = NoValue
		return
	}
	f.pending = false
	f.value = f.mean + f.noise*(2*f.rnd.Float64()-1)
}

// Offline stands in for a device that could not be found or bound. It is
// never available.
type Offline struct {
	ID   string
	Kind string
	Err  error
}

func (o *Offline) Available() bool                { return false }
func (o *Offline) Reading() float64               { return NoValue }
func (o *Offline) RequestReading()                {}
func (o *Offline) CollectReading()                {}
func (o *Offline) ConversionDelay() time.Duration { return 0 }
func (o *Offline) Identifier() string             { return o.ID }
func (o *Offline) Chip() string                   { return o.Kind }

func (o *Offline) String() string {
	return fmt.Sprintf("%s %s offline: %v", o.Kind, o.ID, o.Err)
}
