package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables, after loading a .env
// file if one exists (its values override variables already set in the
// environment). Grounded on the teacher's own
// env-first Load convention: read raw values, then apply defaults.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Host = strings.TrimSpace(os.Getenv("HOST"))
	cfg.Port = intFromEnv("PORT", 0)
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if v := strings.TrimSpace(os.Getenv("LOG_PAYLOADS")); v != "" {
		cfg.LogPayloads = truthy(v)
		cfg.OpenAI.LogPayloads = cfg.LogPayloads
	}

	cfg.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.OpenAI.Model = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	cfg.OpenAI.BaseURL = firstNonEmpty(os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_API_BASE_URL"))
	cfg.OpenAI.SummaryBaseURL = strings.TrimSpace(os.Getenv("OPENAI_SUMMARY_URL"))
	cfg.OpenAI.SummaryModel = strings.TrimSpace(os.Getenv("OPENAI_SUMMARY_MODEL"))
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.OpenAI.SummaryModel == "" {
		cfg.OpenAI.SummaryModel = cfg.OpenAI.Model
	}
	if cfg.OpenAI.SummaryBaseURL == "" {
		cfg.OpenAI.SummaryBaseURL = cfg.OpenAI.BaseURL
	}

	cfg.Databases.DefaultDSN = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("DB_URL"), os.Getenv("POSTGRES_DSN"))

	cfg.Obs.ServiceName = strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME"))
	cfg.Obs.ServiceVersion = strings.TrimSpace(os.Getenv("SERVICE_VERSION"))
	cfg.Obs.Environment = strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "agentd"
	}
	if cfg.Obs.Environment == "" {
		cfg.Obs.Environment = "dev"
	}

	cfg.Auth.Enabled = truthy(os.Getenv("AUTH_ENABLED"))
	cfg.Auth.Provider = firstNonEmpty(os.Getenv("AUTH_PROVIDER"), "oidc")
	cfg.Auth.IssuerURL = strings.TrimSpace(os.Getenv("OIDC_ISSUER_URL"))
	cfg.Auth.ClientID = strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID"))
	cfg.Auth.ClientSecret = strings.TrimSpace(os.Getenv("OIDC_CLIENT_SECRET"))
	cfg.Auth.RedirectURL = strings.TrimSpace(os.Getenv("OIDC_REDIRECT_URL"))
	if v := strings.TrimSpace(os.Getenv("OIDC_ALLOWED_DOMAINS")); v != "" {
		cfg.Auth.AllowedDomains = parseCommaSeparatedList(v)
	}
	cfg.Auth.CookieName = firstNonEmpty(os.Getenv("AUTH_COOKIE_NAME"), "sio_session")
	cfg.Auth.CookieSecure = truthy(firstNonEmpty(os.Getenv("AUTH_COOKIE_SECURE"), "true"))
	cfg.Auth.StateTTLSeconds = intFromEnv("OIDC_STATE_TTL_SECONDS", 600)
	cfg.Auth.SessionTTLHours = intFromEnv("AUTH_SESSION_TTL_HOURS", 720)

	return cfg, nil
}

func truthy(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v := strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parseCommaSeparatedList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
