package match

import (
	"errors"
	"math/rand"

	"wormy/broker/internal/level"
	"wormy/broker/internal/sim"
)

// ErrNoFreeRun signals that no free run was found within the attempt budget.
var ErrNoFreeRun = errors.New("no free run found")

const (
	// DefaultCooldownFrames delays a respawn after a voluntary quit.
	DefaultCooldownFrames = 20
	// DefaultSpawnAttempts bounds the random probes of FindRun.
	DefaultSpawnAttempts = 10
	// SpawnRun is the free distance a new worm needs ahead of its head.
	SpawnRun = 10
	// FoodRun is the free distance a food item needs.
	FoodRun = 1
)

// Seat identifies one local player of a connection.
type Seat struct {
	ClientID string
	Local    int
}

// Flow gates respawns and picks spawn locations for worms and food.
type Flow struct {
	cooldown int
	attempts int
	rng      *rand.Rand
	until    map[Seat]int
}

// Option configures optional flow parameters at construction time.
type Option func(*Flow)

// WithCooldownFrames overrides the respawn cooldown.
func WithCooldownFrames(frames int) Option {
	return func(f *Flow) {
		if frames >= 0 {
			f.cooldown = frames
		}
	}
}

// WithSpawnAttempts overrides how many random probes FindRun makes.
func WithSpawnAttempts(attempts int) Option {
	return func(f *Flow) {
		if attempts > 0 {
			f.attempts = attempts
		}
	}
}

// WithSeed makes spawn locations reproducible.
func WithSeed(seed int64) Option {
	return func(f *Flow) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// NewFlow constructs a flow seeded from seed 1 unless overridden.
func NewFlow(opts ...Option) *Flow {
	flow := &Flow{
		cooldown: DefaultCooldownFrames,
		attempts: DefaultSpawnAttempts,
		rng:      rand.New(rand.NewSource(1)),
		until:    make(map[Seat]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(flow)
		}
	}
	return flow
}

// RegisterQuit starts the cooldown of seat at frame.
func (f *Flow) RegisterQuit(seat Seat, frame int) {
	if f == nil {
		return
	}
	f.until[seat] = frame + f.cooldown
}

// CooldownRemaining reports how many frames seat must still wait.
func (f *Flow) CooldownRemaining(seat Seat, frame int) int {
	if f == nil {
		return 0
	}
	until, ok := f.until[seat]
	if !ok {
		return 0
	}
	if remaining := until - frame; remaining > 0 {
		return remaining
	}
	delete(f.until, seat)
	return 0
}

// ResetCooldowns drops every pending cooldown, used when the frame counter restarts.
func (f *Flow) ResetCooldowns() {
	if f == nil {
		return
	}
	clear(f.until)
}

// Forget drops the cooldowns of every seat owned by clientID.
func (f *Flow) Forget(clientID string) {
	if f == nil {
		return
	}
	for seat := range f.until {
		if seat.ClientID == clientID {
			delete(f.until, seat)
		}
	}
}

// FindRun probes random surface cells for length free cells in a random
// direction. The returned segment heads along the run.
func (f *Flow) FindRun(grid *level.Grid, length int) (sim.Segment, error) {
	if f == nil || grid == nil || grid.W == 0 || grid.H == 0 {
		return sim.Segment{}, ErrNoFreeRun
	}
	for attempt := 0; attempt < f.attempts; attempt++ {
		//1.- Roll the heading first, then the origin cell.
		d := sim.Direction(f.rng.Intn(len(sim.Vectors)))
		x := f.rng.Intn(grid.W)
		y := f.rng.Intn(grid.H)
		v := sim.Vectors[d]
		j := 0
		for ; j < length; j++ {
			cy, cx := grid.Wrap(y+j*v[0], x+j*v[1])
			if grid.At(cy, cx, level.Surface) != level.Empty {
				break
			}
		}
		//2.- Accept the first probe whose whole run is empty.
		if j == length {
			return sim.Segment{Y: y, X: x, Layer: level.Surface, Dir: d}, nil
		}
	}
	return sim.Segment{}, ErrNoFreeRun
}

// RollPower picks the power carried by a new food item: none half of the
// time, otherwise a uniformly random power.
func (f *Flow) RollPower() sim.PowerID {
	if f == nil || f.rng.Intn(2) == 0 {
		return sim.PowerNone
	}
	return sim.PowerID(1 + f.rng.Intn(sim.PowerCount))
}
