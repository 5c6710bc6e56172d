package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"manifold/internal/auth"
	"manifold/internal/chatapi"
	"manifold/internal/config"
	"manifold/internal/gateway"
	llmpkg "manifold/internal/llm"
	"manifold/internal/llm/ndjson"
	openaillm "manifold/internal/llm/openai"
	"manifold/internal/mcphub"
	"manifold/internal/mcphub/builtin"
	"manifold/internal/observability"
	"manifold/internal/ratelimit"
	"manifold/internal/store"
	"manifold/internal/turn"
)

// main assembles C1-C7 (transport, tool hub, context manager, agent loop,
// stream gateway, REST surface) and starts the HTTP listener. Grounded on
// agentd/run.go's newApp/Run split, trimmed to this service's own stack.
func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	shutdown, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	ctx := context.Background()

	if cfg.Databases.DefaultDSN == "" {
		log.Fatal().Msg("DATABASE_URL is required: the chat store has no in-memory fallback")
	}
	pool, err := pgxpool.New(ctx, cfg.Databases.DefaultDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()
	rel := store.NewPostgres(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     firstNonEmpty(os.Getenv("REDIS_ADDR"), "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()
	kv := store.NewKV(rdb)

	httpClient := observability.NewHTTPClient(nil)
	transport := ndjson.New(ndjson.Config{BaseURL: cfg.OpenAI.BaseURL, APIKey: cfg.OpenAI.APIKey})
	summarizer := openaillm.New(cfg.OpenAI, httpClient)

	hub := mcphub.New(kv)
	if err := hub.RegisterServer(ctx, builtin.NewCalculator()); err != nil {
		log.Warn().Err(err).Msg("register calculator tool")
	}
	if err := hub.RegisterServer(ctx, builtin.NewWeather(os.Getenv("WEATHER_API_KEY"), os.Getenv("WEATHER_BASE_URL"))); err != nil {
		log.Warn().Err(err).Msg("register weather tool")
	}
	if err := hub.RegisterServer(ctx, builtin.NewSearch(os.Getenv("SERPER_API_KEY"), os.Getenv("SEARCH_BASE_URL"))); err != nil {
		log.Warn().Err(err).Msg("register search tool")
	}

	ctxMgr := turn.NewContextManager(rel, kv, summarizer, cfg.OpenAI.SummaryModel)

	var gw *gateway.Gateway
	var authStore *auth.Store
	var oidcAuth *auth.OIDC
	if cfg.Auth.Enabled {
		authStore = auth.NewStore(pool, cfg.Auth.SessionTTLHours)
		if err := authStore.InitSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("auth schema init failed")
		}
		oidcAuth, err = auth.NewOIDC(ctx, cfg.Auth.IssuerURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Auth.RedirectURL, authStore, cfg.Auth.CookieName, cfg.Auth.AllowedDomains, cfg.Auth.StateTTLSeconds, cfg.Auth.CookieSecure)
		if err != nil {
			log.Fatal().Err(err).Msg("oidc init failed")
		}
		gw = gateway.New(oidcAuth.Verifier, authStore)
	} else {
		gw = gateway.New(nil, nil)
	}

	loop := turn.NewLoop(rel, transport, hub, ctxMgr, gw)

	limiter := ratelimit.New(kv)

	api := chatapi.New(rel, ctxMgr, loop, gw, limiter, cfg.Auth.Enabled, chatTitleGenerator(summarizer, cfg.OpenAI.SummaryModel))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "ok") })
	api.Mount(mux)
	if oidcAuth != nil {
		mux.Handle("/auth/login", oidcAuth.LoginHandler())
		mux.Handle("/auth/callback", oidcAuth.CallbackHandler(cfg.Auth.CookieSecure, ""))
		mux.Handle("/auth/logout", oidcAuth.LogoutHandler(cfg.Auth.CookieSecure, ""))
		mux.Handle("/auth/me", oidcAuth.MeHandler())
	}

	var root http.Handler = mux
	if cfg.Auth.Enabled && authStore != nil {
		root = auth.Middleware(authStore, cfg.Auth.CookieName, false)(mux)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	if cfg.Port == 0 {
		addr = ":32180"
	}
	log.Info().Str("addr", addr).Msg("agentd listening")
	if err := http.ListenAndServe(addr, root); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// chatTitleGenerator builds the turn.TitleGenerator used on a session's
// first turn, asking the summary model for a short title.
func chatTitleGenerator(c *openaillm.Client, model string) turn.TitleGenerator {
	return func(ctx context.Context, firstUserText string) (string, error) {
		msgs := []llmpkg.Message{
			{Role: "system", Content: "Produce a short (<=6 word) title for this conversation. Reply with the title only."},
			{Role: "user", Content: firstUserText},
		}
		reply, err := c.Chat(ctx, msgs, nil, model)
		if err != nil {
			return "", err
		}
		return strings.Trim(strings.TrimSpace(reply.Content), "\"“”"), nil
	}
}
