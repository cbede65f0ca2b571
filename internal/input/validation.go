package input

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"wormy/broker/internal/logging"
	"wormy/broker/internal/protocol"
	"wormy/broker/internal/sim"
)

// ValidationReason identifies why a client command was refused.
type ValidationReason string

const (
	ValidationReasonNone           ValidationReason = ""
	ValidationReasonKind           ValidationReason = "kind"
	ValidationReasonDirection      ValidationReason = "direction"
	ValidationReasonSlot           ValidationReason = "slot"
	ValidationReasonLocalIndex     ValidationReason = "local_index"
	ValidationReasonCooldownActive ValidationReason = "cooldown_active"
)

// Constraints configures command validation and the strike policy applied
// to clients that keep sending invalid commands.
type Constraints struct {
	MaxLocalPlayers    int
	InvalidBurstLimit  int
	InvalidBurstWindow time.Duration
	CooldownDuration   time.Duration
	MaxCooldownStrikes int
}

// DefaultConstraints is the production baseline.
var DefaultConstraints = Constraints{
	MaxLocalPlayers:    4,
	InvalidBurstLimit:  5,
	InvalidBurstWindow: time.Second,
	CooldownDuration:   500 * time.Millisecond,
	MaxCooldownStrikes: 3,
}

// ValidationDecision summarises the result of a Validate call.
type ValidationDecision struct {
	Accepted   bool
	Reason     ValidationReason
	Warn       bool
	Disconnect bool
	Cooldown   time.Duration
}

// ValidationCounters aggregates per-client violation statistics.
type ValidationCounters struct {
	Violations  map[ValidationReason]uint64 `json:"violations,omitempty"`
	Cooldowns   uint64                      `json:"cooldowns"`
	Disconnects uint64                      `json:"disconnects"`
}

type validatorClientState struct {
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
	strikes       int
}

// Validator checks the shape of commands clients may originate. Clients may
// only send revive and disconnect as delayed commands, and move or power as
// immediate ones; add-worm and food commands are server-only.
type Validator struct {
	mu      sync.Mutex
	cfg     Constraints
	clock   Clock
	logger  *logging.Logger
	clients map[string]*validatorClientState
	metrics map[string]ValidationCounters
}

// NewValidator builds a validator, filling unset constraints from DefaultConstraints.
func NewValidator(cfg Constraints, logger *logging.Logger, clock Clock) *Validator {
	if cfg.MaxLocalPlayers <= 0 {
		cfg.MaxLocalPlayers = DefaultConstraints.MaxLocalPlayers
	}
	if cfg.InvalidBurstLimit <= 0 {
		cfg.InvalidBurstLimit = DefaultConstraints.InvalidBurstLimit
	}
	if cfg.InvalidBurstWindow <= 0 {
		cfg.InvalidBurstWindow = DefaultConstraints.InvalidBurstWindow
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultConstraints.CooldownDuration
	}
	if cfg.MaxCooldownStrikes <= 0 {
		cfg.MaxCooldownStrikes = DefaultConstraints.MaxCooldownStrikes
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		clients: make(map[string]*validatorClientState),
		metrics: make(map[string]ValidationCounters),
	}
}

// Validate checks a command arriving in a message of type kind. For delayed
// disconnects Slot carries the sender's local index.
func (v *Validator) Validate(clientID string, kind protocol.Type, cmd sim.Command) ValidationDecision {
	if v == nil {
		return ValidationDecision{Accepted: true}
	}
	now := v.clock.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	state := v.ensureStateLocked(clientID)
	if !state.cooldownUntil.IsZero() && now.Before(state.cooldownUntil) {
		return ValidationDecision{Accepted: false, Reason: ValidationReasonCooldownActive, Cooldown: state.cooldownUntil.Sub(now)}
	}
	if reason := v.checkLocked(kind, cmd); reason != ValidationReasonNone {
		return v.registerViolationLocked(clientID, state, now, reason)
	}
	state.invalidCount = 0
	state.firstInvalid = time.Time{}
	return ValidationDecision{Accepted: true}
}

// ValidateLocal checks the local index of a start request.
func (v *Validator) ValidateLocal(clientID string, local int) ValidationDecision {
	if v == nil {
		return ValidationDecision{Accepted: true}
	}
	if local >= 0 && local < v.cfg.MaxLocalPlayers {
		return ValidationDecision{Accepted: true}
	}
	now := v.clock.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.registerViolationLocked(clientID, v.ensureStateLocked(clientID), now, ValidationReasonLocalIndex)
}

func (v *Validator) checkLocked(kind protocol.Type, cmd sim.Command) ValidationReason {
	//1.- Only player-originated variants are legal per delivery mode.
	switch kind {
	case protocol.TypeDelayed:
		switch cmd.Kind {
		case sim.CmdRevive:
		case sim.CmdDisconnect:
			if cmd.Slot < 0 || cmd.Slot >= v.cfg.MaxLocalPlayers {
				return ValidationReasonLocalIndex
			}
			return ValidationReasonNone
		default:
			return ValidationReasonKind
		}
	case protocol.TypeImmediate:
		switch cmd.Kind {
		case sim.CmdMove:
			if !cmd.Dir.Valid() {
				return ValidationReasonDirection
			}
		case sim.CmdPower:
		default:
			return ValidationReasonKind
		}
	default:
		return ValidationReasonKind
	}
	//2.- The slot must address the shared slot map.
	if cmd.Slot < 0 || cmd.Slot >= sim.MaxSlots {
		return ValidationReasonSlot
	}
	return ValidationReasonNone
}

// Forget clears all state for the specified client.
func (v *Validator) Forget(clientID string) {
	if v == nil || clientID == "" {
		return
	}
	v.mu.Lock()
	delete(v.clients, clientID)
	delete(v.metrics, clientID)
	v.mu.Unlock()
}

// Metrics returns a snapshot of per-client counters for diagnostics.
func (v *Validator) Metrics() map[string]ValidationCounters {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.metrics) == 0 {
		return nil
	}
	snapshot := make(map[string]ValidationCounters, len(v.metrics))
	for key, counters := range v.metrics {
		clone := ValidationCounters{Cooldowns: counters.Cooldowns, Disconnects: counters.Disconnects}
		if len(counters.Violations) > 0 {
			clone.Violations = make(map[ValidationReason]uint64, len(counters.Violations))
			for reason, count := range counters.Violations {
				clone.Violations[reason] = count
			}
		}
		snapshot[key] = clone
	}
	return snapshot
}

func (v *Validator) ensureStateLocked(key string) *validatorClientState {
	state := v.clients[key]
	if state == nil {
		state = &validatorClientState{}
		v.clients[key] = state
	}
	return state
}

func (v *Validator) registerViolationLocked(key string, state *validatorClientState, now time.Time, reason ValidationReason) ValidationDecision {
	counters := v.metrics[key]
	if counters.Violations == nil {
		counters.Violations = make(map[ValidationReason]uint64)
	}
	counters.Violations[reason]++

	decision := ValidationDecision{Accepted: false, Reason: reason}
	if state.invalidCount == 0 || now.Sub(state.firstInvalid) > v.cfg.InvalidBurstWindow {
		state.firstInvalid = now
		state.invalidCount = 1
	} else {
		state.invalidCount++
	}
	decision.Warn = v.cfg.InvalidBurstLimit-state.invalidCount == 1
	if state.invalidCount >= v.cfg.InvalidBurstLimit {
		//1.- A full burst earns a cooldown; repeated cooldowns earn a disconnect.
		state.cooldownUntil = now.Add(v.cfg.CooldownDuration)
		state.invalidCount = 0
		state.firstInvalid = time.Time{}
		state.strikes++
		counters.Cooldowns++
		if state.strikes >= v.cfg.MaxCooldownStrikes {
			decision.Disconnect = true
			counters.Disconnects++
		}
		decision.Cooldown = v.cfg.CooldownDuration
		v.logger.Debug("command validator cooldown",
			logging.String("client_id", key),
			logging.String("reason", string(reason)),
			logging.Duration("cooldown", v.cfg.CooldownDuration))
	}
	v.metrics[key] = counters
	return decision
}

// SanitizeName strips control characters and clamps the name to limit runes.
func SanitizeName(name string, limit int) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if runes := []rune(name); limit > 0 && len(runes) > limit {
		name = string(runes[:limit])
	}
	return name
}
