// Package wormybot drives headless players against a broker for soak tests.
package wormybot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"wormy/broker/internal/auth"
	"wormy/broker/internal/client"
	"wormy/broker/internal/config"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/transport"
)

// Options configures a soak run.
type Options struct {
	URL         string
	Connections int
	Locals      int
	Seed        int64
	NamePrefix  string
	Secret      string
	TokenTTL    time.Duration
	Subprotocol string
	// Game carries the lockstep tunables shared with the broker. Nil keeps
	// the client defaults.
	Game   *config.GameConfig
	Logger *logging.Logger
}

func (o *Options) defaults() {
	if o.Connections <= 0 {
		o.Connections = 1
	}
	if o.Locals <= 0 {
		o.Locals = 1
	}
	if o.NamePrefix == "" {
		o.NamePrefix = "bot"
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = time.Hour
	}
	if o.Logger == nil {
		o.Logger = logging.L()
	}
}

// Run keeps every connection playing until ctx ends. The first connection
// that fails for any other reason stops the whole run.
func Run(ctx context.Context, opts Options) error {
	opts.defaults()
	if opts.URL == "" {
		return errors.New("broker url must be provided")
	}
	var signer *auth.Signer
	if opts.Secret != "" {
		var err error
		if signer, err = auth.NewSigner(opts.Secret, "", 0); err != nil {
			return err
		}
	}
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Connections; i++ {
		name := fmt.Sprintf("%s-%d", opts.NamePrefix, i)
		header, err := authHeader(signer, name, opts.TokenTTL)
		if err != nil {
			return err
		}
		seed := opts.Seed + int64(i)*7919
		group.Go(func() error { return play(ctx, opts, name, header, seed) })
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func authHeader(signer *auth.Signer, subject string, ttl time.Duration) (http.Header, error) {
	if signer == nil {
		return nil, nil
	}
	token, err := signer.Issue(subject, ttl)
	if err != nil {
		return nil, fmt.Errorf("issue token for %s: %w", subject, err)
	}
	return http.Header{"X-Auth-Token": []string{token}}, nil
}

func clientConfig(opts Options, logger *logging.Logger) client.Config {
	cfg := client.Config{LocalPlayers: opts.Locals, Logger: logger}
	if g := opts.Game; g != nil {
		cfg.Depth = g.Buffer
		cfg.PlayAt = g.PlayAt
		cfg.MoveInterval = g.MoveInterval
		cfg.Interval = g.EffectiveInterval()
		cfg.RateDamping = g.RateDamping
	}
	return cfg
}

func play(ctx context.Context, opts Options, name string, header http.Header, seed int64) error {
	logger := opts.Logger.With(logging.String("bot", name))
	session, err := client.Dial(ctx,
		transport.DialConfig{URL: opts.URL, Subprotocol: opts.Subprotocol, Header: header},
		clientConfig(opts, logger))
	if err != nil {
		return err
	}
	bots := make([]*client.Bot, opts.Locals)
	for local := range bots {
		bots[local] = client.NewBot(session.Predictor(), local, fmt.Sprintf("%s.%d", name, local), seed+int64(local))
	}
	session.OnStep(func(time.Time) {
		for _, bot := range bots {
			if err := bot.Act(); err != nil {
				logger.Debug("bot command failed", logging.Error(err))
			}
		}
	})
	logger.Info("bot connected", logging.Int("locals", opts.Locals))
	err = session.Run(ctx)
	stats := session.Stats()
	logger.Info("bot stopped", logging.Int64("frames", stats.Frames), logging.Error(err))
	return err
}
