package output

import "github.com/ericogr/envlogger/pkg/sensor"

// Output receives every refreshed set of readings.
type Output interface {
	Publish([]sensor.Reading) error
	Close() error
}

// helper constructors are in subpackages
