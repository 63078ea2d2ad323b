package main

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"collab-service/api"
	"collab-service/collab"
	"collab-service/registry"
	"collab-service/retention"
	"collab-service/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	eventsTable := os.Getenv("EVENTS_TABLE")
	snapshotsTable := os.Getenv("SNAPSHOTS_TABLE")
	trimQueue := os.Getenv("TRIM_QUEUE")
	if connStr == "" || eventsTable == "" || snapshotsTable == "" || trimQueue == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, eventsTable, snapshotsTable, trimQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(parseRedisOptions(redisConn))

	deduper := api.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))

	var auth *api.Auth
	if os.Getenv("AUTH_TEST_MODE") == "1" {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwksURL := os.Getenv("AUTH_JWKS_URL")
		audience := os.Getenv("AUTH_AUDIENCE")
		issuer := os.Getenv("AUTH_ISSUER")
		if jwksURL == "" || audience == "" || issuer == "" {
			log.Fatal("missing auth config")
		}
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, audience, issuer)
	}

	hub := api.NewHub(logger)
	relay := api.NewRelay(rc, hub, logger)
	relay.Start(context.Background())
	defer relay.Close()

	retentionKeep := envInt("RETENTION_KEEP", 100)

	reg := registry.New(rc)
	router := collab.NewRouter(reg, relay, logger)
	core := collab.NewService(store, store, reg, router, logger, collab.Config{
		VerifyDelay:    envDur("VERIFY_DELAY", time.Second),
		RetentionKeep:  retentionKeep,
		TrimCheckEvery: int64(envInt("TRIM_CHECK_EVERY", 25)),
	})
	defer core.Close()

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker := retention.NewWorker(store, logger, retentionKeep)
	go worker.Run(workerCtx)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.GzipRequestMiddleware())

	api.Register(e, core, auth, deduper, logger)
	api.RegisterGateway(e, hub, relay, core, auth, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// parseRedisOptions accepts a redis:// URL or an Azure-style
// "host:port,password=...,ssl=true" connection string.
func parseRedisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}
