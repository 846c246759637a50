package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-valet/internal/config"
)

func writeConfig(t *testing.T, home, content string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromValetHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".valet")
	writeConfig(t, home, "log_level: debug\nengine:\n  binary: claude\n  model: opus\n")
	if err := os.WriteFile(filepath.Join(home, "INSTRUCTIONS.md"), []byte("be brief"), 0o644); err != nil {
		t.Fatalf("write instructions: %v", err)
	}
	t.Setenv("VALET_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug got %q", cfg.LogLevel)
	}
	if cfg.Engine.Model != "opus" {
		t.Fatalf("expected engine.model=opus got %q", cfg.Engine.Model)
	}
	if cfg.Instructions != "be brief" {
		t.Fatalf("unexpected instructions contents: %q", cfg.Instructions)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".valet")
	t.Setenv("VALET_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".valet")
	writeConfig(t, home, "{}\n")
	t.Setenv("VALET_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Engine.Binary != "claude" {
		t.Fatalf("expected default engine.binary=claude, got %q", cfg.Engine.Binary)
	}
	if cfg.Engine.TurnTimeoutSeconds != 300 {
		t.Fatalf("expected default turn timeout 300, got %d", cfg.Engine.TurnTimeoutSeconds)
	}
	if cfg.Jobs.OutputTailBytes != 64*1024 {
		t.Fatalf("expected default output tail 65536, got %d", cfg.Jobs.OutputTailBytes)
	}
	if cfg.Approval.TimeoutSeconds != 120 {
		t.Fatalf("expected default approval timeout 120, got %d", cfg.Approval.TimeoutSeconds)
	}
	if len(cfg.Jobs.Kinds) == 0 {
		t.Fatalf("expected starter kinds when none configured")
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".valet")
	writeConfig(t, home, "engine:\n  turn_timeout_seconds: 60\n")
	t.Setenv("VALET_HOME", home)
	t.Setenv("VALET_TURN_TIMEOUT_SECONDS", "90")
	t.Setenv("VALET_ENGINE_MODEL", "sonnet")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Engine.TurnTimeoutSeconds != 90 {
		t.Fatalf("expected env override turn_timeout=90 got %d", cfg.Engine.TurnTimeoutSeconds)
	}
	if cfg.Engine.Model != "sonnet" {
		t.Fatalf("expected env override model=sonnet got %q", cfg.Engine.Model)
	}
}

func TestLoad_TelegramTokenFromEnv(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".valet")
	writeConfig(t, home, "channels:\n  telegram:\n    enabled: true\n    allowed_ids: [42]\n")
	t.Setenv("VALET_HOME", home)
	t.Setenv("TELEGRAM_TOKEN", "123:abc")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("expected telegram token from env, got %q", cfg.Channels.Telegram.Token)
	}
}

func TestLoad_TelegramEnabledRequiresAllowedIDs(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".valet")
	writeConfig(t, home, "channels:\n  telegram:\n    enabled: true\n    token: 123:abc\n")
	t.Setenv("VALET_HOME", home)

	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error when telegram enabled without allowed_ids")
	}
}

func TestLoad_KindRequiresBinary(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".valet")
	writeConfig(t, home, "jobs:\n  kinds:\n    broken:\n      args: [\"-p\"]\n")
	t.Setenv("VALET_HOME", home)

	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error for kind without binary")
	}
}

func TestAttemptLadder_DefaultThreeRungs(t *testing.T) {
	cfg := config.Config{}
	cfg.Engine.Model = "opus"
	cfg.Engine.FallbackModel = "sonnet"

	ladder := cfg.AttemptLadder()
	if len(ladder) != 3 {
		t.Fatalf("expected 3 rungs, got %d", len(ladder))
	}
	if !ladder[0].AllowPrompts {
		t.Fatalf("expected prompts allowed on first rung")
	}
	if ladder[1].AllowPrompts || ladder[2].AllowPrompts {
		t.Fatalf("expected prompts suppressed on later rungs")
	}
	if ladder[2].Model != "sonnet" {
		t.Fatalf("expected fallback model on last rung, got %q", ladder[2].Model)
	}
}

func TestAttemptLadder_ConfiguredOverrides(t *testing.T) {
	cfg := config.Config{}
	cfg.Engine.Attempts = []config.AttemptEntry{
		{Label: "only", Model: "haiku", TimeoutSeconds: 30},
	}
	ladder := cfg.AttemptLadder()
	if len(ladder) != 1 {
		t.Fatalf("expected configured ladder, got %d rungs", len(ladder))
	}
	if ladder[0].Model != "haiku" {
		t.Fatalf("model = %q, want haiku", ladder[0].Model)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	cfg := config.Config{LogLevel: "info"}
	cfg.Engine.Binary = "claude"
	a := cfg.Fingerprint()
	b := cfg.Fingerprint()
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	cfg.Engine.Model = "opus"
	if cfg.Fingerprint() == a {
		t.Fatalf("fingerprint did not change with model")
	}
}
