package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	// config register bit set when no conversion is in progress
	configOSIdle = 0x80

	ads1115FullScale = 4.096

	defaultI2CBus     = "1"
	defaultI2CAddress = 0x48

	// sharedSlotMargin is added to every conversion of a channel sharing its
	// chip. It covers the three bus transactions and timer overshoot.
	sharedSlotMargin = 5 * time.Millisecond
)

// ADS1115ChipKey names the converter at addr on bus, with bus "1" and
// address 0x48 when they are not set.
func ADS1115ChipKey(bus string, addr uint16) string {
	if bus == "" {
		bus = defaultI2CBus
	}
	if addr == 0 {
		addr = defaultI2CAddress
	}
	return fmt.Sprintf("%s:0x%02X", bus, addr)
}

// ADS1115Delay is how long a request of every channel on one chip takes,
// given their sample rates. Several channels are converted one after the
// other, each in a slot with some margin.
func ADS1115Delay(sampleRates ...int) time.Duration {
	if len(sampleRates) == 1 {
		return conversionTime(sampleRates[0])
	}
	var d time.Duration
	for _, sps := range sampleRates {
		d += conversionTime(sps) + sharedSlotMargin
	}
	return d
}

// conversionTime is one sample period plus the data rate tolerance.
func conversionTime(sps int) time.Duration {
	delayMs := int(1000.0/float64(sampleRateOrDefault(sps))) + 2
	return time.Duration(delayMs) * time.Millisecond
}

// ADS1115 is one single-ended input channel of an ADS1115 ADC read in
// single-shot mode. Readings are in volts.
type ADS1115 struct {
	dev        *i2c.Dev
	bus        string
	channel    int
	sampleRate int
	logger     *zap.SugaredLogger

	requested bool
	volts     float64

	chip   *ads1115Chip
	result float64 // guarded by chip.mu
}

// NewADS1115 binds channel of the ADC at addr on bus.
func NewADS1115(bus i2c.Bus, busName string, addr uint16, channel, sampleRate int, logger *zap.SugaredLogger) (*ADS1115, error) {
	sampleRate = sampleRateOrDefault(sampleRate)
	if _, _, err := configForChannel(channel, sampleRate); err != nil {
		return nil, err
	}
	return &ADS1115{
		dev:        &i2c.Dev{Addr: addr, Bus: bus},
		bus:        busName,
		channel:    channel,
		sampleRate: sampleRate,
		logger:     logger,
		volts:      NoValue,
	}, nil
}

func (s *ADS1115) Available() bool  { return s.dev != nil }
func (s *ADS1115) Reading() float64 { return s.volts }
func (s *ADS1115) Chip() string     { return "ADS1115" }

func (s *ADS1115) Identifier() string {
	return fmt.Sprintf("%s:0x%02X/A%d", s.bus, s.dev.Addr, s.channel)
}

// Resolution is the voltage of one LSB at the configured gain.
func (s *ADS1115) Resolution() float64 { return ads1115FullScale / 32768.0 }

// ConversionDelay is one sample period plus some margin, for every channel
// sharing the converter.
func (s *ADS1115) ConversionDelay() time.Duration {
	if s.shared() {
		return s.chip.delay()
	}
	return conversionTime(s.sampleRate)
}

func (s *ADS1115) shared() bool { return s.chip != nil && len(s.chip.channels) > 1 }

// RequestReading starts a single-shot conversion. Channels sharing a chip
// are queued and converted one after the other in the background.
func (s *ADS1115) RequestReading() {
	if s.shared() {
		s.chip.request(s)
		return
	}
	s.requested = s.start() == nil
}

// CollectReading reads the conversion result. The reading is NoValue if no
// conversion was requested or the conversion has not finished.
func (s *ADS1115) CollectReading() {
	if s.shared() {
		s.chip.mu.Lock()
		s.volts, s.result = s.result, NoValue
		s.chip.mu.Unlock()
		return
	}
	s.volts = NoValue
	if !s.requested {
		return
	}
	s.requested = false
	s.volts = s.finish()
}

func (s *ADS1115) start() error {
	msb, lsb, _ := configForChannel(s.channel, s.sampleRate)
	if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		s.logger.Warnw("ads1115 write config", "id", s.Identifier(), "error", err)
		return err
	}
	return nil
}

func (s *ADS1115) finish() float64 {
	status := make([]byte, 2)
	if err := s.dev.Tx([]byte{pointerConfig}, status); err != nil {
		s.logger.Warnw("ads1115 read config", "id", s.Identifier(), "error", err)
		return NoValue
	}
	if status[0]&configOSIdle == 0 {
		s.logger.Warnw("ads1115 conversion not ready", "id", s.Identifier())
		return NoValue
	}
	readBuf := make([]byte, 2)
	if err := s.dev.Tx([]byte{pointerConv}, readBuf); err != nil {
		s.logger.Warnw("ads1115 read conversion", "id", s.Identifier(), "error", err)
		return NoValue
	}
	raw := int16(readBuf[0])<<8 | int16(readBuf[1])
	return float64(raw) * ads1115FullScale / 32768.0
}

// ads1115Chip serializes the conversions of channels sharing one converter.
type ads1115Chip struct {
	mu       sync.Mutex
	channels []*ADS1115
	queue    []*ADS1115
	running  bool
}

func (c *ads1115Chip) attach(s *ADS1115) {
	c.channels = append(c.channels, s)
	s.chip = c
}

func (c *ads1115Chip) delay() time.Duration {
	rates := make([]int, 0, len(c.channels))
	for _, s := range c.channels {
		rates = append(rates, s.sampleRate)
	}
	return ADS1115Delay(rates...)
}

func (c *ads1115Chip) request(s *ADS1115) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.result = NoValue
	c.queue = append(c.queue, s)
	if !c.running {
		c.running = true
		go c.run()
	}
}

func (c *ads1115Chip) run() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		s := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		v := NoValue
		if s.start() == nil {
			time.Sleep(conversionTime(s.sampleRate))
			v = s.finish()
		}
		c.mu.Lock()
		s.result = v
		c.mu.Unlock()
	}
}

func configForChannel(channel, sampleRate int) (byte, byte, error) {
	var mux byte
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, errors.Errorf("invalid channel %d", channel)
	}
	// PGA: use ±4.096V -> bits 001
	pga := byte(0x1)
	// data rate bits
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(pga) << 9
	config |= 1 << 8 // single-shot mode
	config |= uint16(dr) << 5
	// comparator default: disabled (bits 1:0 = 11)
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}
