package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if v := firstNonEmpty("", "foo", "bar"); v != "foo" {
		t.Fatalf("expected 'foo', got %q", v)
	}
	if v := firstNonEmpty(); v != "" {
		t.Fatalf("expected empty, got %q", v)
	}
}

func TestParseCommaSeparatedList(t *testing.T) {
	got := parseCommaSeparatedList(" a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestIntFromEnv(t *testing.T) {
	clearEnv(t, "SIO_TEST_INT_FROM_ENV")
	if got := intFromEnv("SIO_TEST_INT_FROM_ENV", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
	_ = os.Setenv("SIO_TEST_INT_FROM_ENV", "123")
	if got := intFromEnv("SIO_TEST_INT_FROM_ENV", 7); got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}
	_ = os.Setenv("SIO_TEST_INT_FROM_ENV", "notanint")
	if got := intFromEnv("SIO_TEST_INT_FROM_ENV", 7); got != 7 {
		t.Fatalf("expected fallback to default on bad int, got %d", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_SUMMARY_MODEL", "AUTH_ENABLED", "AUTH_PROVIDER")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OpenAI.Model != "gpt-4o-mini" {
		t.Errorf("expected default model, got %q", cfg.OpenAI.Model)
	}
	if cfg.OpenAI.SummaryModel != cfg.OpenAI.Model {
		t.Errorf("expected summary model to fall back to model, got %q", cfg.OpenAI.SummaryModel)
	}
	if cfg.Auth.Enabled {
		t.Error("expected auth disabled by default")
	}
	if cfg.Auth.Provider != "oidc" {
		t.Errorf("expected default auth provider oidc, got %q", cfg.Auth.Provider)
	}
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearEnv(t, "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_SUMMARY_MODEL", "AUTH_ENABLED", "OIDC_ALLOWED_DOMAINS", "DATABASE_URL")

	_ = os.Setenv("OPENAI_API_KEY", "sk-test")
	_ = os.Setenv("OPENAI_MODEL", "gpt-4o")
	_ = os.Setenv("AUTH_ENABLED", "true")
	_ = os.Setenv("OIDC_ALLOWED_DOMAINS", "example.com, example.org")
	_ = os.Setenv("DATABASE_URL", "postgres://localhost/chat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("expected api key override, got %q", cfg.OpenAI.APIKey)
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Errorf("expected model override, got %q", cfg.OpenAI.Model)
	}
	if !cfg.Auth.Enabled {
		t.Error("expected auth enabled")
	}
	if len(cfg.Auth.AllowedDomains) != 2 || cfg.Auth.AllowedDomains[0] != "example.com" {
		t.Errorf("unexpected allowed domains: %v", cfg.Auth.AllowedDomains)
	}
	if cfg.Databases.DefaultDSN != "postgres://localhost/chat" {
		t.Errorf("expected DSN override, got %q", cfg.Databases.DefaultDSN)
	}
}
