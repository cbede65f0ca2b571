package sim

// PowerID identifies a power-up; zero means none.
type PowerID int

const (
	PowerNone PowerID = iota
	PowerSpeed
	PowerBurrow
	PowerReverse
	PowerFreeze
)

// Power describes the energy economics of a power-up. Duration and Recharge
// are the frames a full bar lasts while active and takes to refill.
type Power struct {
	Name       string
	Duration   float64
	Recharge   float64
	Activation float64
}

// Powers is indexed by PowerID.
var Powers = [...]Power{
	PowerNone:    {Name: "none"},
	PowerSpeed:   {Name: "speed", Duration: 2 * 50, Recharge: 3 * 50, Activation: 0.2},
	PowerBurrow:  {Name: "burrow", Duration: 2 * 25, Recharge: 3 * 50, Activation: 0.3},
	PowerReverse: {Name: "reverse", Duration: 1, Recharge: 3 * 15, Activation: 1},
	PowerFreeze:  {Name: "freeze", Duration: 3 * 50, Recharge: 3 * 50, Activation: 0.2},
}

// PowerCount is the number of real power-ups, excluding PowerNone.
const PowerCount = len(Powers) - 1

// Valid reports whether p indexes Powers.
func (p PowerID) Valid() bool { return p >= PowerNone && int(p) < len(Powers) }

func (p PowerID) String() string {
	if !p.Valid() {
		return "unknown"
	}
	return Powers[p].Name
}
