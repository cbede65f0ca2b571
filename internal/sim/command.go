package sim

// CommandKind tags the Command variant.
type CommandKind string

const (
	CmdMove       CommandKind = "m"
	CmdPower      CommandKind = "p"
	CmdAddWorm    CommandKind = "a"
	CmdDisconnect CommandKind = "d"
	CmdRevive     CommandKind = "r"
	CmdFood       CommandKind = "f"
)

// Valid reports whether k is a known variant.
func (k CommandKind) Valid() bool {
	switch k {
	case CmdMove, CmdPower, CmdAddWorm, CmdDisconnect, CmdRevive, CmdFood:
		return true
	}
	return false
}

// Command is a replayable input. Only the fields relevant to Kind are set:
//
//	m  Slot, Dir
//	p  Slot, On
//	a  Slot, Loc, Name
//	d  Slot
//	r  Slot, Loc
//	f  Food
type Command struct {
	Kind CommandKind `json:"t" msgpack:"t"`
	Slot int         `json:"p" msgpack:"p"`
	Dir  Direction   `json:"d,omitempty" msgpack:"d,omitempty"`
	On   bool        `json:"on,omitempty" msgpack:"on,omitempty"`
	Name string      `json:"n,omitempty" msgpack:"n,omitempty"`
	Loc  *Segment    `json:"l,omitempty" msgpack:"l,omitempty"`
	Food *Food       `json:"food,omitempty" msgpack:"food,omitempty"`
}

// Move turns the worm in slot.
func Move(slot int, dir Direction) Command {
	return Command{Kind: CmdMove, Slot: slot, Dir: dir}
}

// UsePower requests the worm's power be switched on or off.
func UsePower(slot int, on bool) Command {
	return Command{Kind: CmdPower, Slot: slot, On: on}
}

// AddWorm installs a new worm at loc.
func AddWorm(slot int, loc Segment, name string) Command {
	return Command{Kind: CmdAddWorm, Slot: slot, Loc: &loc, Name: name}
}

// Disconnect retires the worm in slot.
func Disconnect(slot int) Command {
	return Command{Kind: CmdDisconnect, Slot: slot}
}

// Revive respawns a dead, fully decayed worm at loc.
func Revive(slot int, loc Segment) Command {
	return Command{Kind: CmdRevive, Slot: slot, Loc: &loc}
}

// SpawnFood places a food item carrying power at (y, x).
func SpawnFood(y, x int, power PowerID) Command {
	return Command{Kind: CmdFood, Food: &Food{Y: y, X: x, Power: power}}
}
