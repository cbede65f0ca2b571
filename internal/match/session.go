package match

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"
)

const (
	envMatchID         = "WORMY_MATCH_ID"
	envMatchMaxClients = "WORMY_MATCH_MAX_CLIENTS"
)

var (
	// ErrInvalidClientID is returned when a join request omits the connection identifier.
	ErrInvalidClientID = errors.New("client id must not be empty")
	// ErrMatchFull indicates that the session has reached the configured capacity limit.
	ErrMatchFull = errors.New("match capacity reached")
	// ErrUnknownClient is returned when a seat is bound for a client that never joined.
	ErrUnknownClient = errors.New("client not in session")
	// ErrInvalidCapacity is returned when capacity updates violate basic invariants.
	ErrInvalidCapacity = errors.New("invalid match capacity configuration")
)

// Capacity expresses the configured connection limit of a match session.
type Capacity struct {
	MaxClients int `json:"max_clients"`
}

// Player is one connection of the roster and the worm slots it controls.
type Player struct {
	ClientID string         `json:"client_id"`
	Name     string         `json:"name,omitempty"`
	Slots    map[int]string `json:"slots,omitempty"`
	JoinedAt time.Time      `json:"joined_at"`
}

func (p *Player) clone() Player {
	out := *p
	if len(p.Slots) > 0 {
		out.Slots = make(map[int]string, len(p.Slots))
		for slot, name := range p.Slots {
			out.Slots[slot] = name
		}
	}
	return out
}

// Snapshot captures a stable view of the match session state for observers.
type Snapshot struct {
	MatchID  string   `json:"match_id"`
	Capacity Capacity `json:"capacity"`
	Players  []Player `json:"players"`
}

// Worms returns every controlled slot in ascending order.
func (s Snapshot) Worms() []int {
	var slots []int
	for _, p := range s.Players {
		for slot := range p.Slots {
			slots = append(slots, slot)
		}
	}
	slices.Sort(slots)
	return slots
}

// SessionOption configures optional Session behaviour at construction time.
type SessionOption func(*Session)

// Session keeps the roster of connections in join order together with the
// worm slots each one controls.
type Session struct {
	mu sync.RWMutex

	id        string
	capacity  Capacity
	players   *orderedmap.OrderedMap[string, *Player]
	now       func() time.Time
	envLookup func(string) string

	idConfigured  bool
	capConfigured bool
}

// WithSessionClock overrides the default wall-clock time source.
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *Session) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithSessionEnvLookup injects a custom environment variable lookup mechanism.
func WithSessionEnvLookup(lookup func(string) string) SessionOption {
	return func(s *Session) {
		s.envLookup = lookup
	}
}

// WithSessionMatchID sets the identifier used for the match instance.
func WithSessionMatchID(id string) SessionOption {
	return func(s *Session) {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			return
		}
		s.id = trimmed
		s.idConfigured = true
	}
}

// WithSessionCapacity configures the session capacity explicitly, bypassing environment parsing.
func WithSessionCapacity(cap Capacity) SessionOption {
	return func(s *Session) {
		s.capacity = cap
		s.capConfigured = true
	}
}

// NewSession constructs a match session using environment defaults when available.
func NewSession(opts ...SessionOption) (*Session, error) {
	session := &Session{
		players:   orderedmap.NewOrderedMap[string, *Player](),
		now:       time.Now,
		envLookup: os.Getenv,
	}
	//1.- Apply any caller supplied functional options prior to reading the environment.
	for _, opt := range opts {
		if opt != nil {
			opt(session)
		}
	}
	//2.- Populate configuration from the environment when the caller did not override values.
	if err := session.applyEnvironment(); err != nil {
		return nil, err
	}
	//3.- Fall back to a random identifier so replays and logs can be correlated.
	if session.id == "" {
		session.id = uuid.NewString()
	}
	if session.capacity.MaxClients < 0 {
		return nil, fmt.Errorf("%w: max clients must be non-negative", ErrInvalidCapacity)
	}
	return session, nil
}

// ID returns the match identifier.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Join registers a connection, enforcing the capacity limit. Joining twice
// keeps the original join time and slots.
func (s *Session) Join(clientID, name string) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, fmt.Errorf("session is nil")
	}
	trimmed := strings.TrimSpace(clientID)
	if trimmed == "" {
		return Snapshot{}, ErrInvalidClientID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.players.Get(trimmed); !exists {
		if s.capacity.MaxClients > 0 && s.players.Len() >= s.capacity.MaxClients {
			return Snapshot{}, ErrMatchFull
		}
		s.players.Set(trimmed, &Player{ClientID: trimmed, Name: name, JoinedAt: s.now()})
	}
	return s.snapshotLocked(), nil
}

// Bind records that clientID controls slot under name.
func (s *Session) Bind(clientID string, slot int, name string) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players.Get(clientID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
	}
	if player.Slots == nil {
		player.Slots = make(map[int]string)
	}
	player.Slots[slot] = name
	return nil
}

// Unbind releases slot from whichever connection controls it.
func (s *Session) Unbind(slot int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for el := s.players.Front(); el != nil; el = el.Next() {
		delete(el.Value.Slots, slot)
	}
}

// Leave removes a connection and returns the slots it controlled.
func (s *Session) Leave(clientID string) []int {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players.Get(clientID)
	if !ok {
		return nil
	}
	s.players.Delete(clientID)
	slots := make([]int, 0, len(player.Slots))
	for slot := range player.Slots {
		slots = append(slots, slot)
	}
	slices.Sort(slots)
	return slots
}

// Snapshot returns a read-only view of the current roster in join order.
func (s *Session) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// AdjustCapacity changes the connection limit without evicting anyone.
func (s *Session) AdjustCapacity(maxClients int) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, fmt.Errorf("session is nil")
	}
	if maxClients < 0 {
		return Snapshot{}, fmt.Errorf("%w: max clients must be non-negative", ErrInvalidCapacity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxClients > 0 && s.players.Len() > maxClients {
		return Snapshot{}, fmt.Errorf("%w: %d active clients exceed max %d", ErrInvalidCapacity, s.players.Len(), maxClients)
	}
	s.capacity.MaxClients = maxClients
	return s.snapshotLocked(), nil
}

func (s *Session) applyEnvironment() error {
	lookup := s.envLookup
	if lookup == nil {
		return nil
	}
	if !s.idConfigured {
		if id := strings.TrimSpace(lookup(envMatchID)); id != "" {
			s.id = id
			s.idConfigured = true
		}
	}
	if s.capConfigured {
		return nil
	}
	if raw := strings.TrimSpace(lookup(envMatchMaxClients)); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidCapacity, envMatchMaxClients, raw)
		}
		s.capacity.MaxClients = value
		s.capConfigured = true
	}
	return nil
}

func (s *Session) snapshotLocked() Snapshot {
	snapshot := Snapshot{MatchID: s.id, Capacity: s.capacity}
	if s.players.Len() == 0 {
		return snapshot
	}
	snapshot.Players = make([]Player, 0, s.players.Len())
	for el := s.players.Front(); el != nil; el = el.Next() {
		snapshot.Players = append(snapshot.Players, el.Value.clone())
	}
	return snapshot
}
