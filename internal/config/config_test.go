package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORMY_ADDR", "")
	t.Setenv("WORMY_ALLOWED_ORIGINS", "")
	t.Setenv("WORMY_GAME_SPEED", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.Game.Buffer != 42 || cfg.Game.PlayAt != 12 {
		t.Fatalf("unexpected window %d/%d", cfg.Game.Buffer, cfg.Game.PlayAt)
	}
	if cfg.Game.ServerBuffer != 27 {
		t.Fatalf("expected server buffer 27, got %d", cfg.Game.ServerBuffer)
	}
	if cfg.Game.EffectiveInterval() != DefaultGameInterval {
		t.Fatalf("expected default interval, got %v", cfg.Game.EffectiveInterval())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORMY_ADDR", "127.0.0.1:9000")
	t.Setenv("WORMY_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("WORMY_PING_INTERVAL", "45s")
	t.Setenv("WORMY_MAX_PLAYERS", "8")
	t.Setenv("WORMY_BUFFER", "30")
	t.Setenv("WORMY_PLAY_AT", "10")
	t.Setenv("WORMY_GAME_SPEED", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.PingInterval != 45*time.Second {
		t.Fatalf("expected ping interval 45s, got %v", cfg.PingInterval)
	}
	if cfg.Game.MaxPlayers != 8 {
		t.Fatalf("expected max players 8, got %d", cfg.Game.MaxPlayers)
	}
	if cfg.Game.ServerBuffer != 20 {
		t.Fatalf("expected derived server buffer 20, got %d", cfg.Game.ServerBuffer)
	}
	if cfg.Game.EffectiveInterval() != 32*time.Millisecond {
		t.Fatalf("expected full speed interval, got %v", cfg.Game.EffectiveInterval())
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("WORMY_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("WORMY_PING_INTERVAL", "abc")
	t.Setenv("WORMY_GAME_SPEED", "1.5")
	t.Setenv("WORMY_PLAY_AT", "50")
	t.Setenv("WORMY_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("WORMY_TLS_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}
	for _, want := range []string{
		"WORMY_MAX_PAYLOAD_BYTES",
		"WORMY_PING_INTERVAL",
		"WORMY_GAME_SPEED",
		"WORMY_BUFFER",
		"WORMY_TLS_CERT",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadRequiresGRPCSecret(t *testing.T) {
	t.Setenv("WORMY_GRPC_ADDR", ":9090")
	t.Setenv("WORMY_GRPC_SECRET", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "WORMY_GRPC_SECRET") {
		t.Fatalf("expected grpc secret error, got %v", err)
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	t.Setenv("WORMY_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}

func TestLoadWithCustomTLSPair(t *testing.T) {
	certFile := createTempFile(t)
	keyFile := createTempFile(t)
	t.Setenv("WORMY_TLS_CERT", certFile)
	t.Setenv("WORMY_TLS_KEY", keyFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.TLSCertPath != certFile || cfg.TLSKeyPath != keyFile {
		t.Fatalf("unexpected TLS pair cert=%q key=%q", cfg.TLSCertPath, cfg.TLSKeyPath)
	}
}

func TestServerBufferFor(t *testing.T) {
	if got := ServerBufferFor(42, 12); got != 27 {
		t.Fatalf("expected 27, got %d", got)
	}
}

func createTempFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "wormy-config-test-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	name := f.Name()
	f.Close()
	return name
}
