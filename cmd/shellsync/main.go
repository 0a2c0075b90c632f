package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/epbforge/shellsync"
	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/handler"
	"github.com/epbforge/shellsync/internal"
	"github.com/epbforge/shellsync/lock"
	"github.com/epbforge/shellsync/pubsub"
	"github.com/epbforge/shellsync/state"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	// Required fields
	EnvBindAddr = "SHELLSYNC_BINDADDR"

	// Optional fields
	EnvDB           = "SHELLSYNC_DB"
	EnvRedis        = "SHELLSYNC_REDIS"
	EnvLockTTL      = "SHELLSYNC_LOCK_TTL"
	EnvHeartbeat    = "SHELLSYNC_HEARTBEAT"
	EnvSessionGrace = "SHELLSYNC_SESSION_GRACE"
	EnvPrometheus   = "SHELLSYNC_PROM"
	EnvOTLP         = "SHELLSYNC_OTLP_URL"
	EnvOTLPUsername = "SHELLSYNC_OTLP_USERNAME"
	EnvOTLPPassword = "SHELLSYNC_OTLP_PASSWORD"
	EnvSentryDsn    = "SHELLSYNC_SENTRY_DSN"
	EnvLogLevel     = "SHELLSYNC_LOG_LEVEL"
	EnvDebug        = "SHELLSYNC_DEBUG"
)

var helpMsg = fmt.Sprintf(`
Environment var
%s   Default: 0.0.0.0:8008. The interface and port to listen on.
%s         Default: unset. Postgres connection string (see lib/pq docs). Unset keeps everything in memory.
%s      Default: unset. Redis URL. When set, leases live in Redis instead of the session store.
%s   Default: 6m. Lease lifetime handed to clients.
%s  Default: 2m. Heartbeat interval clients are told to use. The lease TTL must be at least 3x this.
%s Default: 2m. How long a session may have nobody connected before it is ended.
%s       Default: unset. The bind addr for Prometheus metrics, which will be accessible at /metrics at this address.
%s   Default: unset. The OTLP HTTP base URL to send spans to e.g https://localhost:4318 - if unset does not send OTLP traces.
%s Default: unset. The OTLP username for Basic auth. If unset, does not send an Authorization header.
%s Default: unset. The OTLP password for Basic auth. If unset, does not send an Authorization header.
%s Default: unset. The Sentry DSN to report events to e.g https://shellsync@example.com/123 - if unset does not send sentry events.
%s  Default: info. The level of verbosity for messages logged. Available values are trace, debug, info, warn, error and fatal
%s      Default: unset. Set to 1 to panic on internal assertion failures.
`, EnvBindAddr, EnvDB, EnvRedis, EnvLockTTL, EnvHeartbeat, EnvSessionGrace, EnvPrometheus, EnvOTLP, EnvOTLPUsername, EnvOTLPPassword,
	EnvSentryDsn, EnvLogLevel, EnvDebug)

// expired leases linger this long in postgres before the sweeper deletes them
const cleanupGrace = time.Hour

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

func durationEnv(name, dft string) time.Duration {
	v := defaulting(os.Getenv(name), dft)
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid duration %q: %s\n%s", name, v, err, helpMsg)
		os.Exit(1)
	}
	return d
}

func main() {
	fmt.Printf("shellsync %s\n", shellsync.Version)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %s\n", err)
	}

	bindAddr := defaulting(os.Getenv(EnvBindAddr), "0.0.0.0:8008")
	ttl := durationEnv(EnvLockTTL, "6m")
	heartbeat := durationEnv(EnvHeartbeat, "2m")
	sessionGrace := durationEnv(EnvSessionGrace, "2m")
	if err := lock.ValidateLease(ttl, heartbeat); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n%s", err, helpMsg)
		os.Exit(1)
	}

	switch strings.ToLower(os.Getenv(EnvLogLevel)) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if dsn := os.Getenv(EnvSentryDsn); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: shellsync.Version,
			Dist:    shellsync.Version,
		})
		if err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if otlpURL := os.Getenv(EnvOTLP); otlpURL != "" {
		fmt.Printf("Configuring OTLP HTTP tracing to %s\n", otlpURL)
		shutdown, err := internal.ConfigureOTLP(otlpURL, os.Getenv(EnvOTLPUsername), os.Getenv(EnvOTLPPassword), shellsync.Version)
		if err != nil {
			panic(err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to flush spans")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enablePrometheus := os.Getenv(EnvPrometheus) != ""

	var sessions collab.SessionStore
	var locks collab.LockStore
	var teardown []func()
	if dbURI := os.Getenv(EnvDB); dbURI != "" {
		store := state.NewStorage(dbURI)
		sessions, locks = store, store
		teardown = append(teardown, store.Teardown)
		go sweepExpiredLeases(ctx, store, ttl)
	} else {
		logger.Warn().Msg(EnvDB + " is unset: sessions and leases are kept in memory and lost on restart")
		store := state.NewMemoryStore()
		sessions, locks = store, store
	}
	if redisURL := os.Getenv(EnvRedis); redisURL != "" {
		rs, err := state.NewRedisLockStore(redisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		locks = rs
		teardown = append(teardown, func() { rs.Close() })
	}

	var notifier pubsub.Notifier
	ps := pubsub.NewPubSub(1024)
	notifier = ps
	if enablePrometheus {
		notifier = pubsub.NewPromNotifier(ps, "coord")
	}
	store := state.NewNotifying(sessions, locks, notifier)

	hub := channel.NewHub(channel.DefaultBufferSize)
	coord := pubsub.NewCoordSub(ps, channel.NewBridge(hub))
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := coord.Listen(); err != nil {
			logger.Err(err).Msg("coordination listener stopped")
		}
	}()

	h := handler.NewHandler(store, store, hub)
	h.ExpireAbandonedSessions(sessionGrace)
	if enablePrometheus {
		h.AddPrometheusMetrics()
		hub.AddPrometheusMetrics()
		go func() {
			srv := &http.Server{
				Addr:              os.Getenv(EnvPrometheus),
				Handler:           promhttp.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			fmt.Printf("Starting prometheus listener on %s/metrics\n", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Err(err).Msg("prometheus listener stopped")
			}
		}()
	}

	err := shellsync.RunServer(ctx, h, bindAddr)
	if err != nil {
		logger.Err(err).Msg("server stopped")
	}

	logger.Info().Msg("shutting down")
	hub.Teardown()
	coord.Teardown()
	h.Teardown()
	notifier.Close()
	for i := len(teardown) - 1; i >= 0; i-- {
		teardown[i]()
	}
	if err != nil {
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

// sweepExpiredLeases deletes long-expired lease rows. Expired leases are already ignored by
// every read, this only keeps the table small.
func sweepExpiredLeases(ctx context.Context, store *state.Storage, ttl time.Duration) {
	defer internal.ReportPanicsToSentry()
	t := time.NewTicker(ttl)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := store.Cleanup(cleanupGrace); err != nil {
				logger.Warn().Err(err).Msg("failed to sweep expired leases")
			}
		}
	}
}
