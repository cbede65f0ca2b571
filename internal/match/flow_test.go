package match

import (
	"errors"
	"testing"

	"wormy/broker/internal/level"
	"wormy/broker/internal/sim"
)

func TestCooldownBlocksUntilExpiry(t *testing.T) {
	flow := NewFlow(WithCooldownFrames(20))
	seat := Seat{ClientID: "conn", Local: 0}

	flow.RegisterQuit(seat, 100)
	if got := flow.CooldownRemaining(seat, 105); got != 15 {
		t.Fatalf("expected 15 frames remaining, got %d", got)
	}
	if got := flow.CooldownRemaining(Seat{ClientID: "conn", Local: 1}, 105); got != 0 {
		t.Fatalf("other local index should not be blocked, got %d", got)
	}
	if got := flow.CooldownRemaining(seat, 120); got != 0 {
		t.Fatalf("expected cooldown over at frame 120, got %d", got)
	}
}

func TestCooldownResetAndForget(t *testing.T) {
	flow := NewFlow()
	a := Seat{ClientID: "a"}
	b := Seat{ClientID: "b"}
	flow.RegisterQuit(a, 0)
	flow.RegisterQuit(b, 0)

	flow.Forget("a")
	if flow.CooldownRemaining(a, 1) != 0 || flow.CooldownRemaining(b, 1) == 0 {
		t.Fatal("forget should only clear the named client")
	}
	flow.ResetCooldowns()
	if flow.CooldownRemaining(b, 1) != 0 {
		t.Fatal("expected reset to clear every cooldown")
	}
}

func TestFindRunReturnsFreeCells(t *testing.T) {
	flow := NewFlow(WithSeed(7), WithSpawnAttempts(50))
	grid := level.Generate(1)
	for i := 0; i < 20; i++ {
		loc, err := flow.FindRun(grid, SpawnRun)
		if err != nil {
			t.Fatalf("find run: %v", err)
		}
		v := sim.Vectors[loc.Dir]
		for j := 0; j < SpawnRun; j++ {
			y, x := grid.Wrap(loc.Y+j*v[0], loc.X+j*v[1])
			if grid.At(y, x, level.Surface) != level.Empty {
				t.Fatalf("run at %+v blocked at step %d", loc, j)
			}
		}
	}
}

func TestFindRunGivesUpOnFullGrid(t *testing.T) {
	grid := level.NewGrid(4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			grid.Set(y, x, level.Surface, level.Wall)
		}
	}
	if _, err := NewFlow().FindRun(grid, 1); !errors.Is(err, ErrNoFreeRun) {
		t.Fatalf("expected no free run, got %v", err)
	}
}

func TestRollPowerCoversEveryPower(t *testing.T) {
	flow := NewFlow(WithSeed(3))
	seen := map[sim.PowerID]int{}
	for i := 0; i < 400; i++ {
		seen[flow.RollPower()]++
	}
	for p := sim.PowerNone; int(p) <= sim.PowerCount; p++ {
		if seen[p] == 0 {
			t.Fatalf("power %d never rolled: %v", p, seen)
		}
	}
}
