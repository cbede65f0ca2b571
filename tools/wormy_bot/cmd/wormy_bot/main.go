package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wormy/broker/internal/config"
	"wormy/broker/internal/logging"
	"wormy/broker/tools/wormy_bot"
)

func main() {
	url := flag.String("url", "ws://localhost:8089/ws", "broker websocket endpoint")
	connections := flag.Int("connections", 4, "number of websocket connections")
	locals := flag.Int("locals", 1, "worms controlled per connection")
	seed := flag.Int64("seed", time.Now().UnixNano(), "base seed for bot decisions")
	prefix := flag.String("name", "bot", "player name prefix")
	secret := flag.String("secret", os.Getenv("WORMY_WS_SECRET"), "HMAC secret used to mint auth tokens")
	subprotocol := flag.String("subprotocol", "", "wire subprotocol, empty lets the broker choose")
	duration := flag.Duration("duration", 0, "stop after this long, zero runs until interrupted")
	verbose := flag.Bool("v", false, "log debug output")
	flag.Parse()

	level := logging.InfoLevel
	if *verbose {
		level = logging.DebugLevel
	}
	logger := logging.NewWithWriter(os.Stdout, level)

	//1.- The bots read the same WORMY_* tunables as the broker they join.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	//2.- Every connection plays until the deadline, a signal or the first failure.
	err = wormybot.Run(ctx, wormybot.Options{
		URL:         *url,
		Connections: *connections,
		Locals:      *locals,
		Seed:        *seed,
		NamePrefix:  *prefix,
		Secret:      *secret,
		Subprotocol: *subprotocol,
		Game:        &cfg.Game,
		Logger:      logger,
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
