// Command notifier starts the StreamRelay notification delivery service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamrelay/internal/notify"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/platform/discord"
	"streamrelay/internal/platform/twitch"
	"streamrelay/internal/platform/youtube"
	"streamrelay/internal/poller"
	"streamrelay/internal/server"
	"streamrelay/internal/serverutil"
	"streamrelay/internal/storage"
	"streamrelay/internal/webhook"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	mode := flag.String("mode", "", "runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	discordToken := flag.String("discord-bot-token", "", "Discord bot token used to post announcements")
	discordAPIURL := flag.String("discord-api-url", "", "override for the Discord API base URL")
	twitchClientID := flag.String("twitch-client-id", "", "Twitch application client ID")
	twitchClientSecret := flag.String("twitch-client-secret", "", "Twitch application client secret")
	eventSubSecret := flag.String("eventsub-secret", "", "shared secret for EventSub callback signatures")
	youtubeAPIKey := flag.String("youtube-api-key", "", "YouTube Data API key")
	callbackBaseURL := flag.String("callback-base-url", "", "public base URL for webhook callbacks (e.g. https://notifier.example.com)")
	twitchPollInterval := flag.Duration("twitch-poll-interval", 0, "interval between Twitch live-check sweeps")
	youtubePollInterval := flag.Duration("youtube-poll-interval", 0, "interval between YouTube upload-check sweeps")
	pollConcurrency := flag.Int("poll-concurrency", 0, "maximum concurrent source checks per sweep")
	renewInterval := flag.Duration("renew-interval", 0, "interval between push subscription renewal passes")
	queueDriver := flag.String("queue-driver", "", "event queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the event queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the event queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the event queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the event queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for queued events")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for queued events")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the event queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the event queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the event queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the event queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the event queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the event queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the event queue")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	callbackLimit := flag.Int("rate-callback-limit", 0, "maximum webhook callbacks per window for a single IP")
	callbackWindow := flag.Duration("rate-callback-window", 0, "window for counting webhook callbacks")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed callback throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed callback throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("STREAMRELAY_LOG_LEVEL"))})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("STREAMRELAY_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("STREAMRELAY_ADDR"))

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("STREAMRELAY_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("STREAMRELAY_TLS_KEY"))

	callbackBase, err := resolveCallbackBase(*callbackBaseURL, os.Getenv("STREAMRELAY_CALLBACK_BASE_URL"))
	if err != nil {
		logger.Error("invalid callback base url", "error", err)
		os.Exit(1)
	}

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("STREAMRELAY_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("STREAMRELAY_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "STREAMRELAY_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "STREAMRELAY_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "STREAMRELAY_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "STREAMRELAY_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "STREAMRELAY_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "STREAMRELAY_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("STREAMRELAY_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	queueCfg := notify.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("STREAMRELAY_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("STREAMRELAY_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("STREAMRELAY_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("STREAMRELAY_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("STREAMRELAY_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("STREAMRELAY_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("STREAMRELAY_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "STREAMRELAY_QUEUE_REDIS_POOL_SIZE"),
		TLS: notify.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("STREAMRELAY_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("STREAMRELAY_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("STREAMRELAY_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("STREAMRELAY_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "STREAMRELAY_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureEventQueue(*queueDriver, queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	botToken := firstNonEmpty(*discordToken, os.Getenv("STREAMRELAY_DISCORD_BOT_TOKEN"))
	if botToken == "" {
		logger.Error("discord bot token is required")
		os.Exit(1)
	}
	var discordOpts []discord.ClientOption
	if apiURL := firstNonEmpty(*discordAPIURL, os.Getenv("STREAMRELAY_DISCORD_API_URL")); apiURL != "" {
		discordOpts = append(discordOpts, discord.WithAPIBaseURL(apiURL))
	}
	messenger, err := discord.NewClient(botToken, discordOpts...)
	if err != nil {
		logger.Error("failed to configure discord client", "error", err)
		os.Exit(1)
	}

	dispatcher, err := notify.NewDispatcher(store, messenger,
		notify.WithDispatcherLogger(logging.WithComponent(logger, "dispatcher")),
		notify.WithDispatcherMetrics(recorder),
	)
	if err != nil {
		logger.Error("failed to configure dispatcher", "error", err)
		os.Exit(1)
	}

	secret := firstNonEmpty(*eventSubSecret, os.Getenv("STREAMRELAY_EVENTSUB_SECRET"))
	if secret == "" {
		logger.Error("eventsub secret is required")
		os.Exit(1)
	}

	clientID := firstNonEmpty(*twitchClientID, os.Getenv("STREAMRELAY_TWITCH_CLIENT_ID"))
	clientSecret := firstNonEmpty(*twitchClientSecret, os.Getenv("STREAMRELAY_TWITCH_CLIENT_SECRET"))
	var twitchClient *twitch.Client
	if clientID != "" && clientSecret != "" {
		tokens := twitch.NewAppTokenSource(clientID, clientSecret, twitch.WithTokenMetrics(recorder))
		twitchClient = twitch.NewClient(clientID, tokens)
	} else if clientID != "" || clientSecret != "" {
		logger.Error("twitch client id and secret must be provided together")
		os.Exit(1)
	}

	apiKey := firstNonEmpty(*youtubeAPIKey, os.Getenv("STREAMRELAY_YOUTUBE_API_KEY"))
	var youtubeClient *youtube.Client
	if apiKey != "" {
		youtubeClient = youtube.NewClient(apiKey)
	}

	gatewayOpts := []webhook.GatewayOption{
		webhook.WithGatewayLogger(logging.WithComponent(logger, "webhook")),
		webhook.WithGatewayMetrics(recorder),
	}
	if twitchClient != nil {
		gatewayOpts = append(gatewayOpts, webhook.WithStreamFetcher(twitchClient))
	}
	gateway, err := webhook.NewGateway(store, queue, secret, gatewayOpts...)
	if err != nil {
		logger.Error("failed to configure webhook gateway", "error", err)
		os.Exit(1)
	}

	concurrency := int64(resolveInt(*pollConcurrency, "STREAMRELAY_POLL_CONCURRENCY"))
	var runners []*poller.Runner
	if twitchClient != nil {
		runner, err := poller.NewRunner(poller.Config{
			Source:        poller.NewTwitchSource(twitchClient),
			Store:         store,
			Queue:         queue,
			Interval:      resolveDuration(*twitchPollInterval, "STREAMRELAY_TWITCH_POLL_INTERVAL", poller.DefaultTwitchInterval),
			ClearOnAbsent: true,
			Clearer:       dispatcher,
			Concurrency:   concurrency,
			Logger:        logging.WithComponent(logger, "poller-twitch"),
			Metrics:       recorder,
		})
		if err != nil {
			logger.Error("failed to configure twitch poller", "error", err)
			os.Exit(1)
		}
		runners = append(runners, runner)
	}
	if youtubeClient != nil {
		runner, err := poller.NewRunner(poller.Config{
			Source:      poller.NewYouTubeSource(youtubeClient),
			Store:       store,
			Queue:       queue,
			Interval:    resolveDuration(*youtubePollInterval, "STREAMRELAY_YOUTUBE_POLL_INTERVAL", poller.DefaultYouTubeInterval),
			Concurrency: concurrency,
			Logger:      logging.WithComponent(logger, "poller-youtube"),
			Metrics:     recorder,
		})
		if err != nil {
			logger.Error("failed to configure youtube poller", "error", err)
			os.Exit(1)
		}
		runners = append(runners, runner)
	}
	if len(runners) == 0 {
		logger.Warn("no platform credentials configured, polling disabled")
	}

	var renewer *webhook.Renewer
	if callbackBase != "" {
		cfg := webhook.RenewerConfig{
			Store:    store,
			Hub:      youtube.NewHub(callbackBase + "/webhooks/youtube"),
			Interval: resolveDuration(*renewInterval, "STREAMRELAY_RENEW_INTERVAL", 0),
			Logger:   logging.WithComponent(logger, "renewer"),
		}
		if twitchClient != nil {
			cfg.Registrar = twitchClient
			cfg.CallbackURL = callbackBase + "/webhooks/twitch"
			cfg.Secret = secret
		}
		renewer, err = webhook.NewRenewer(cfg)
		if err != nil {
			logger.Error("failed to configure renewer", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no callback base url configured, push subscriptions will not be renewed")
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:      resolveFloat(*globalRPS, "STREAMRELAY_RATE_GLOBAL_RPS"),
		GlobalBurst:    resolveInt(*globalBurst, "STREAMRELAY_RATE_GLOBAL_BURST"),
		CallbackLimit:  resolveInt(*callbackLimit, "STREAMRELAY_RATE_CALLBACK_LIMIT"),
		CallbackWindow: resolveDuration(*callbackWindow, "STREAMRELAY_RATE_CALLBACK_WINDOW", time.Minute),
		RedisAddr:      firstNonEmpty(*rateRedisAddr, os.Getenv("STREAMRELAY_RATE_REDIS_ADDR")),
		RedisPassword:  firstNonEmpty(*rateRedisPassword, os.Getenv("STREAMRELAY_RATE_REDIS_PASSWORD")),
		RedisTimeout:   resolveDuration(*rateRedisTimeout, "STREAMRELAY_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	tlsCfg := server.TLSConfig{CertFile: tlsCertPath, KeyFile: tlsKeyPath}
	srv, err := server.New(gateway, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		RateLimit: rateCfg,
		Logger:    logger,
		Metrics:   recorder,
		Pinger:    store,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, workerCancel := context.WithCancel(runCtx)
	defer workerCancel()
	go dispatcher.Run(workerCtx, queue)
	for _, runner := range runners {
		go runner.Run(workerCtx)
	}
	if renewer != nil {
		go renewer.Run(workerCtx)
	}

	logger.Info("StreamRelay notifier listening", "addr", listenAddr, "mode", serverMode)
	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
	}
	logger.Info("metrics endpoint available", "path", "/metrics")

	if err := serverutil.Run(runCtx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS:    serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
	}); err != nil {
		logger.Error("server error", "error", err)
	}

	workerCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("notifier stopped")
}

func configureEventQueue(driver string, cfg notify.RedisQueueConfig, logger *slog.Logger) (notify.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(firstNonEmpty(driver, os.Getenv("STREAMRELAY_QUEUE_DRIVER"))))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		cfg.Logger = logging.WithComponent(logger, "event-queue")
		return notify.NewRedisQueue(cfg)
	case "", "memory":
		return notify.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func resolveCallbackBase(flagValue, envValue string) (string, error) {
	raw := strings.TrimSpace(flagValue)
	if raw == "" {
		raw = strings.TrimSpace(envValue)
	}
	if raw == "" {
		return "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse callback base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("callback base url must include scheme and host")
	}
	return strings.TrimRight(raw, "/"), nil
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("STREAMRELAY_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
