package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"wormy/broker/internal/input"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/replay"
)

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	Clients() int
	StartupError() error
	Uptime() time.Duration
}

// GameStats is the numeric view of the authority exported as metrics.
type GameStats struct {
	Level     int
	Frame     int
	Players   int
	Alive     int
	Food      int
	EndGoal   int
	Levels    uint64
	Resyncs   uint64
	Broadcast uint64
}

// StatsFunc samples the authority.
type StatsFunc func() GameStats

// StatusFunc returns the JSON document served on /status.
type StatusFunc func() any

// ReplayDumper flushes the live replay bundle and returns its location.
type ReplayDumper interface {
	DumpReplay(ctx context.Context) (string, error)
}

// ReplayDumperFunc adapts a function into a ReplayDumper.
type ReplayDumperFunc func(ctx context.Context) (string, error)

// DumpReplay implements ReplayDumper.
func (f ReplayDumperFunc) DumpReplay(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Status      StatusFunc
	Drops       func() input.DropCounters
	ReplayStats func() replay.StorageStats
	Replay      ReplayDumper
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	status      StatusFunc
	drops       func() input.DropCounters
	replayStats func() replay.StorageStats
	replay      ReplayDumper
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		status:      opts.Status,
		drops:       opts.Drops,
		replayStats: opts.ReplayStats,
		replay:      opts.Replay,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/status", h.StatusHandler())
	mux.HandleFunc("/replay/dump", h.ReplayDumpHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including client counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients = h.readiness.Clients()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// StatusHandler serves the roster and game progress.
func (h *HandlerSet) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.status == nil {
			http.Error(w, "status unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.status())
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := metricWriter{w: w}
		if h.readiness != nil {
			m.gauge("wormy_uptime_seconds", "Broker uptime in seconds.", math.Floor(h.readiness.Uptime().Seconds()))
			m.gauge("wormy_clients", "Connected websocket clients.", float64(h.readiness.Clients()))
		}
		if h.stats != nil {
			stats := h.stats()
			m.gauge("wormy_level", "Current level id.", float64(stats.Level))
			m.gauge("wormy_frame", "Authoritative predicted frame.", float64(stats.Frame))
			m.gauge("wormy_players", "Worm slots that are not disconnected.", float64(stats.Players))
			m.gauge("wormy_worms_alive", "Worms currently alive.", float64(stats.Alive))
			m.gauge("wormy_food", "Food items on the board.", float64(stats.Food))
			m.gauge("wormy_end_goal", "Tail length that wins the level.", float64(stats.EndGoal))
			m.counter("wormy_levels_total", "Levels loaded since start.", stats.Levels)
			m.counter("wormy_resyncs_total", "Load messages sent to resynchronise clients.", stats.Resyncs)
			m.counter("wormy_broadcasts_total", "Events broadcast to clients.", stats.Broadcast)
		}
		if h.drops != nil {
			m.labelled("wormy_dropped_messages_total", "Inbound messages dropped per reason.", "counter", "reason", dropSeries(h.drops()))
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			m.gauge("wormy_replay_bundles", "Replay bundles retained on disk.", float64(stats.Bundles))
			m.gauge("wormy_replay_bytes", "Disk footprint of retained replays in bytes.", float64(stats.Bytes))
		}
	}
}

type metricWriter struct {
	w http.ResponseWriter
}

func (m metricWriter) header(name, help, kind string) {
	fmt.Fprintf(m.w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func (m metricWriter) gauge(name, help string, value float64) {
	m.header(name, help, "gauge")
	fmt.Fprintf(m.w, "%s %s\n", name, strconv.FormatFloat(value, 'f', -1, 64))
}

func (m metricWriter) counter(name, help string, value uint64) {
	m.header(name, help, "counter")
	fmt.Fprintf(m.w, "%s %d\n", name, value)
}

func (m metricWriter) labelled(name, help, kind, label string, series map[string]uint64) {
	m.header(name, help, kind)
	keys := make([]string, 0, len(series))
	for key := range series {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(m.w, "%s{%s=%q} %d\n", name, label, key, series[key])
	}
}

func dropSeries(c input.DropCounters) map[string]uint64 {
	return map[string]uint64{
		input.DropReasonRateLimited.String():  c.RateLimited,
		input.DropReasonUnauthorized.String(): c.Unauthorized,
		input.DropReasonWindow.String():       c.Window,
		input.DropReasonMalformed.String():    c.Malformed,
		input.DropReasonCooldown.String():     c.Cooldown,
		input.DropReasonFull.String():         c.Full,
		input.DropReasonSpawn.String():        c.Spawn,
	}
}

// ReplayDumpHandler authorises and flushes the live replay bundle.
func (h *HandlerSet) ReplayDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			if ra, ok := h.rateLimiter.(retryAfterer); ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ra.RetryAfter().Seconds()))))
			}
			reqLogger.Warn("replay dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.replay == nil {
			reqLogger.Warn("replay dump denied: recording disabled")
			http.Error(w, "replay recording is disabled", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.DumpReplay(r.Context())
		if err != nil {
			reqLogger.Error("replay dump failed", logging.Error(err))
			http.Error(w, "failed to flush replay", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay flushed", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
