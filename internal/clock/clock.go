package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time for the engine so usage windows and expirations are
// testable with a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// New returns the wall clock.
func New() Clock {
	return systemClock{}
}

var Module = fx.Module("clock", fx.Provide(New))
