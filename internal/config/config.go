package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the TCP address serving websockets and operational HTTP.
	DefaultAddr = ":8089"
	// DefaultPingInterval controls the websocket keepalive cadence.
	DefaultPingInterval = 20 * time.Second
	// DefaultMaxPayloadBytes limits inbound websocket message size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxClients bounds concurrent connections. Zero disables the limit.
	DefaultMaxClients = 64

	// DefaultReplayDir is where replay bundles are written. Empty disables recording.
	DefaultReplayDir = ""
	// DefaultReplayRetain is how many replay bundles are kept on disk.
	DefaultReplayRetain = 20
	// DefaultReplayDumpWindow bounds how often a replay flush may be requested.
	DefaultReplayDumpWindow = time.Minute
	// DefaultReplayDumpBurst is the number of flush requests allowed per window.
	DefaultReplayDumpBurst = 1

	// DefaultLogLevel controls log verbosity.
	DefaultLogLevel = "info"
	// DefaultLogPath is the structured log destination.
	DefaultLogPath = "wormy.log"
	// DefaultLogMaxSizeMB caps a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays bounds how long rotated files are kept.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip for rotated files.
	DefaultLogCompress = true

	// DefaultGameInterval is the target wall-clock duration of one frame.
	DefaultGameInterval = 85 * time.Millisecond
	// DefaultMoveInterval is the number of frames between worm head advances.
	DefaultMoveInterval = 2
	// DefaultBuffer is the client command window depth in frames.
	DefaultBuffer = 42
	// DefaultPlayAt is the input delay in frames.
	DefaultPlayAt = 12
	// DefaultMaxPlayers caps the worm slot map.
	DefaultMaxPlayers = 16
	// DefaultMaxNameLength truncates player names.
	DefaultMaxNameLength = 20
	// DefaultIdleFrames is how long a dead tail-less worm may stay claimed.
	DefaultIdleFrames = 125
	// DefaultCooldownFrames delays respawn after a voluntary quit.
	DefaultCooldownFrames = 20
	// DefaultFoodEvery is the food spawn cadence in frames.
	DefaultFoodEvery = 30
	// DefaultSweepEvery is the idle sweep cadence in frames.
	DefaultSweepEvery = 60
	// DefaultRateDamping weights the client rate adaptation.
	DefaultRateDamping = 0.8
	// DefaultMessageRate is the sustained inbound messages per second per connection.
	DefaultMessageRate = 50.0
	// DefaultMessageBurst is the inbound burst allowance per connection.
	DefaultMessageBurst = 25
)

// MaxSlots is the hard ceiling on worm slots; cell tags are a single byte.
const MaxSlots = 250

// Config captures every runtime tunable of the broker.
type Config struct {
	Address          string
	AllowedOrigins   []string
	MaxPayloadBytes  int64
	PingInterval     time.Duration
	MaxClients       int
	TLSCertPath      string
	TLSKeyPath       string
	AdminToken       string
	AuthSecret       string
	GRPCAddress      string
	GRPCSharedSecret string
	ReplayDir        string
	ReplayRetain     int
	ReplayDumpWindow time.Duration
	ReplayDumpBurst  int
	SentryDSN        string
	Logging          LoggingConfig
	Game             GameConfig
}

// LoggingConfig captures structured logging options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// GameConfig captures the lockstep and rules tunables.
type GameConfig struct {
	Interval       time.Duration
	Speed          float64
	MoveInterval   int
	Buffer         int
	ServerBuffer   int
	PlayAt         int
	MaxPlayers     int
	MaxNameLength  int
	IdleFrames     int
	CooldownFrames int
	FoodEvery      int
	SweepEvery     int
	StartLevel     int
	Seed           int64
	RateDamping    float64
	MessageRate    float64
	MessageBurst   int
}

// DefaultGame returns the stock game tunables.
func DefaultGame() GameConfig {
	return GameConfig{
		Interval:       DefaultGameInterval,
		Speed:          -1,
		MoveInterval:   DefaultMoveInterval,
		Buffer:         DefaultBuffer,
		ServerBuffer:   ServerBufferFor(DefaultBuffer, DefaultPlayAt),
		PlayAt:         DefaultPlayAt,
		MaxPlayers:     DefaultMaxPlayers,
		MaxNameLength:  DefaultMaxNameLength,
		IdleFrames:     DefaultIdleFrames,
		CooldownFrames: DefaultCooldownFrames,
		FoodEvery:      DefaultFoodEvery,
		SweepEvery:     DefaultSweepEvery,
		RateDamping:    DefaultRateDamping,
		MessageRate:    DefaultMessageRate,
		MessageBurst:   DefaultMessageBurst,
	}
}

// ServerBufferFor halves the replay history the server keeps past playAt so
// that every event it accepts is still inside each client's window.
func ServerBufferFor(buffer, playAt int) int {
	return buffer - (buffer-playAt)/2
}

// EffectiveInterval resolves the frame duration, letting Speed in [0,1]
// override Interval on a 125ms..32ms scale.
func (g GameConfig) EffectiveInterval() time.Duration {
	if g.Speed < 0 {
		return g.Interval
	}
	ms := (32-125)*g.Speed + 125
	return time.Duration(ms * float64(time.Millisecond))
}

// Load reads the configuration from WORMY_* environment variables. Every
// invalid override is reported in a single error.
func Load() (*Config, error) {
	cfg := &Config{
		Address:          getString("WORMY_ADDR", DefaultAddr),
		AllowedOrigins:   parseList(os.Getenv("WORMY_ALLOWED_ORIGINS")),
		MaxPayloadBytes:  DefaultMaxPayloadBytes,
		PingInterval:     DefaultPingInterval,
		MaxClients:       DefaultMaxClients,
		TLSCertPath:      strings.TrimSpace(os.Getenv("WORMY_TLS_CERT")),
		TLSKeyPath:       strings.TrimSpace(os.Getenv("WORMY_TLS_KEY")),
		AdminToken:       strings.TrimSpace(os.Getenv("WORMY_ADMIN_TOKEN")),
		AuthSecret:       strings.TrimSpace(os.Getenv("WORMY_WS_SECRET")),
		GRPCAddress:      strings.TrimSpace(os.Getenv("WORMY_GRPC_ADDR")),
		GRPCSharedSecret: strings.TrimSpace(os.Getenv("WORMY_GRPC_SECRET")),
		ReplayDir:        getString("WORMY_REPLAY_DIR", DefaultReplayDir),
		ReplayRetain:     DefaultReplayRetain,
		ReplayDumpWindow: DefaultReplayDumpWindow,
		ReplayDumpBurst:  DefaultReplayDumpBurst,
		SentryDSN:        strings.TrimSpace(os.Getenv("WORMY_SENTRY_DSN")),
		Logging: LoggingConfig{
			Level:      getString("WORMY_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("WORMY_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		Game: DefaultGame(),
	}

	p := &parser{}
	p.int64Var("WORMY_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes, 1)
	p.durationVar("WORMY_PING_INTERVAL", &cfg.PingInterval)
	p.intVar("WORMY_MAX_CLIENTS", &cfg.MaxClients, 0)
	p.intVar("WORMY_REPLAY_RETAIN", &cfg.ReplayRetain, 0)
	p.durationVar("WORMY_REPLAY_DUMP_WINDOW", &cfg.ReplayDumpWindow)
	p.intVar("WORMY_REPLAY_DUMP_BURST", &cfg.ReplayDumpBurst, 1)
	p.intVar("WORMY_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1)
	p.intVar("WORMY_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0)
	p.intVar("WORMY_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0)
	p.boolVar("WORMY_LOG_COMPRESS", &cfg.Logging.Compress)

	game := &cfg.Game
	p.durationVar("WORMY_GAME_INTERVAL", &game.Interval)
	p.fractionVar("WORMY_GAME_SPEED", &game.Speed)
	p.intVar("WORMY_MOVE_INTERVAL", &game.MoveInterval, 1)
	p.intVar("WORMY_BUFFER", &game.Buffer, 2)
	p.intVar("WORMY_PLAY_AT", &game.PlayAt, 0)
	p.intVar("WORMY_MAX_PLAYERS", &game.MaxPlayers, 1)
	p.intVar("WORMY_MAX_NAME_LENGTH", &game.MaxNameLength, 1)
	p.intVar("WORMY_IDLE_FRAMES", &game.IdleFrames, 1)
	p.intVar("WORMY_COOLDOWN_FRAMES", &game.CooldownFrames, 0)
	p.intVar("WORMY_FOOD_EVERY", &game.FoodEvery, 1)
	p.intVar("WORMY_SWEEP_EVERY", &game.SweepEvery, 1)
	p.intVar("WORMY_START_LEVEL", &game.StartLevel, 0)
	p.int64Var("WORMY_SEED", &game.Seed, 0)
	p.fractionVar("WORMY_RATE_DAMPING", &game.RateDamping)
	p.floatVar("WORMY_MESSAGE_RATE", &game.MessageRate)
	p.intVar("WORMY_MESSAGE_BURST", &game.MessageBurst, 1)

	game.ServerBuffer = ServerBufferFor(game.Buffer, game.PlayAt)
	p.intVar("WORMY_SERVER_BUFFER", &game.ServerBuffer, 2)

	problems := p.problems
	if game.Buffer <= game.PlayAt+1 {
		problems = append(problems, fmt.Sprintf("WORMY_BUFFER (%d) must exceed WORMY_PLAY_AT+1 (%d)", game.Buffer, game.PlayAt+1))
	}
	if game.ServerBuffer <= game.PlayAt+1 || game.ServerBuffer > game.Buffer {
		problems = append(problems, fmt.Sprintf("WORMY_SERVER_BUFFER (%d) must be within (WORMY_PLAY_AT+1, WORMY_BUFFER]", game.ServerBuffer))
	}
	if game.MaxPlayers > MaxSlots {
		problems = append(problems, fmt.Sprintf("WORMY_MAX_PLAYERS must not exceed %d, got %d", MaxSlots, game.MaxPlayers))
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "WORMY_TLS_CERT and WORMY_TLS_KEY must be provided together")
	}
	if cfg.GRPCAddress != "" && cfg.GRPCSharedSecret == "" {
		problems = append(problems, "WORMY_GRPC_SECRET is required when WORMY_GRPC_ADDR is set")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

// parser accumulates override problems instead of failing on the first one.
type parser struct {
	problems []string
}

func (p *parser) raw(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

func (p *parser) intVar(key string, dst *int, min int) {
	raw, ok := p.raw(key)
	if !ok {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min {
		p.problems = append(p.problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, min, raw))
		return
	}
	*dst = value
}

func (p *parser) int64Var(key string, dst *int64, min int64) {
	raw, ok := p.raw(key)
	if !ok {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < min {
		p.problems = append(p.problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, min, raw))
		return
	}
	*dst = value
}

func (p *parser) floatVar(key string, dst *float64) {
	raw, ok := p.raw(key)
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) fractionVar(key string, dst *float64) {
	raw, ok := p.raw(key)
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 || value > 1 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be within [0,1], got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) durationVar(key string, dst *time.Duration) {
	raw, ok := p.raw(key)
	if !ok {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *parser) boolVar(key string, dst *bool) {
	raw, ok := p.raw(key)
	if !ok {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.problems = append(p.problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dst = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
