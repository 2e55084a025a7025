package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memeflip/flip-engine/internal/config"
)

// chdir switches the working directory for the rest of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(prev) })
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != "8080" || cfg.MinBet != 1000 || cfg.MaxBet != 100000 || cfg.DailyLimit != 500000 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.HouseFeeBPS != 500 || cfg.BurnBPS != 500 || cfg.RevealWindow != 5*time.Minute {
		t.Errorf("unexpected payout defaults %+v", cfg)
	}
	if cfg.MinWithdrawal != 10000 || cfg.MinWithdrawalAmount().String() != "10000" {
		t.Errorf("unexpected min withdrawal %d", cfg.MinWithdrawal)
	}
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MIN_BET", "500")
	t.Setenv("MAX_DAILY_FLIPS", "40")
	t.Setenv("REVEAL_WINDOW", "90s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != "9090" || cfg.MinBet != 500 || cfg.MaxDailyFlips != 40 || cfg.RevealWindow != 90*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", lvl)
	}
}

func TestParse_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"max below min", map[string]string{"MIN_BET": "5000", "MAX_BET": "1000"}, "MAX_BET"},
		{"daily below max", map[string]string{"DAILY_LIMIT": "50000"}, "DAILY_LIMIT"},
		{"fee too large", map[string]string{"HOUSE_FEE_BPS": "6000", "BURN_BPS": "4000"}, "HOUSE_FEE_BPS"},
		{"zero window", map[string]string{"REVEAL_WINDOW": "0s"}, "REVEAL_WINDOW"},
		{"token balance without redis", map[string]string{"REQUIRE_TOKEN_BALANCE": "true"}, "REDIS_URL"},
		{"bad level", map[string]string{"LOG_LEVEL": "chatty"}, "LOG_LEVEL"},
		{"not a number", map[string]string{"MIN_BET": "lots"}, "MIN_BET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MAX_BET=200000\nDAILY_LIMIT=800000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)
	t.Setenv("DAILY_LIMIT", "900000")
	t.Cleanup(func() { os.Unsetenv("MAX_BET") })

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBet != 200000 {
		t.Errorf("expected MAX_BET from .env, got %d", cfg.MaxBet)
	}
	if cfg.DailyLimit != 900000 {
		t.Errorf("environment should win over .env, got %d", cfg.DailyLimit)
	}
}

func TestLoad_MissingDotEnvIsFine(t *testing.T) {
	chdir(t, t.TempDir())
	if _, err := config.Load(); err != nil {
		t.Errorf("Load without .env: %v", err)
	}
}
