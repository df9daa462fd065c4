// Package clock provides injectable time and identity sources.
//
// Production code uses the wall clock and UUIDv4; tests substitute a fake
// clock and a deterministic ID generator so state transitions can be
// asserted against exact timestamps.
package clock

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Clock is the time source injected into the engine and stores.
type Clock = clockwork.Clock

// New returns a Clock backed by the wall clock.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a controllable Clock for tests, starting at an arbitrary
// fixed instant.
func NewFake() *clockwork.FakeClock {
	return clockwork.NewFakeClock()
}

// IDGen produces the opaque identifiers used by the engine.
type IDGen interface {
	// NewRunID returns the identifier for a new workflow run.
	NewRunID() uuid.UUID

	// NewWorkerID returns a stable-unique identity for a worker process.
	NewWorkerID() string
}

// uuidGen is the production IDGen, producing random UUIDv4 values.
type uuidGen struct{}

// NewIDGen returns the production identifier generator.
func NewIDGen() IDGen {
	return uuidGen{}
}

func (uuidGen) NewRunID() uuid.UUID {
	return uuid.New()
}

func (uuidGen) NewWorkerID() string {
	return uuid.NewString()
}

// SequentialIDGen is a deterministic IDGen for tests. Run IDs are derived
// from a monotonically increasing counter.
type SequentialIDGen struct {
	n atomic.Uint32
}

// NewRunID returns the next deterministic run ID.
func (g *SequentialIDGen) NewRunID() uuid.UUID {
	n := g.n.Add(1)
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

// NewWorkerID returns the next deterministic worker ID.
func (g *SequentialIDGen) NewWorkerID() string {
	return fmt.Sprintf("worker-%d", g.n.Add(1))
}
