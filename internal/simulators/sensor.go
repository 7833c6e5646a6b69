// Package simulators provides gaussian random-walk sensors that feed the
// demo edge node with plausible telemetry.
package simulators

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Sensor emits a random walk around a mean with a configured standard
// deviation, at a fixed or randomized delay between points.
type Sensor struct {
	SensorID string

	mean              float64
	standardDeviation float64
	currentValue      float64

	delayMin  uint32
	delayMax  uint32
	randomize bool

	rng *rand.Rand

	// Data delivers each generated point until the context is cancelled.
	Data chan float64
}

func NewSensor(id string, mean, standardDeviation float64, delayMin, delayMax uint32, randomize bool) *Sensor {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Sensor{
		SensorID:          id,
		mean:              mean,
		standardDeviation: math.Abs(standardDeviation),
		currentValue:      mean - rng.Float64(),
		delayMin:          delayMin,
		delayMax:          delayMax,
		randomize:         randomize,
		rng:               rng,
		Data:              make(chan float64),
	}
}

func (s *Sensor) nextValue() float64 {
	// How much the value changes, and in which direction relative to the
	// mean. Values far from the mean drift back towards it.
	valueChange := s.rng.Float64() * s.standardDeviation / 10
	s.currentValue += valueChange * s.decideFactor()
	return s.currentValue
}

func (s *Sensor) decideFactor() float64 {
	var continueDirection, changeDirection, distance float64
	if s.currentValue > s.mean {
		distance = s.currentValue - s.mean
		continueDirection, changeDirection = 1, -1
	} else {
		distance = s.mean - s.currentValue
		continueDirection, changeDirection = -1, 1
	}
	// Half the standard deviation minus a distance penalty; at the mean this
	// is a 50/50 chance of either direction.
	chance := (s.standardDeviation / 2) - (distance / 50)
	if s.rng.Float64()*s.standardDeviation < chance {
		return continueDirection
	}
	return changeDirection
}

func (s *Sensor) delay() time.Duration {
	if s.randomize && s.delayMax > s.delayMin {
		return time.Duration(s.delayMin+uint32(s.rng.Intn(int(s.delayMax-s.delayMin)))) * time.Second
	}
	return time.Duration(s.delayMin) * time.Second
}

// Run generates data points until the context is cancelled.
func (s *Sensor) Run(ctx context.Context, log *logrus.Logger) {
	go func() {
		defer close(s.Data)
		for {
			select {
			case <-ctx.Done():
				log.WithField("sensor_id", s.SensorID).Debugln("Sensor stopped")
				return
			case <-time.After(s.delay()):
				select {
				case s.Data <- s.nextValue():
				case <-ctx.Done():
					log.WithField("sensor_id", s.SensorID).Debugln("Sensor stopped")
					return
				}
			}
		}
	}()
}
