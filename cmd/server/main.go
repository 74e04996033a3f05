package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-messenger/internal/api"
	"github.com/npezzotti/go-messenger/internal/auth"
	"github.com/npezzotti/go-messenger/internal/config"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/pubsub"
	"github.com/npezzotti/go-messenger/internal/ratelimit"
	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/redis/go-redis/v9"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr                string
	store               string
	dsn                 string
	mongoDatabase       string
	signingKey          string
	allowedOrigins      stringSliceFlag
	natsURL             string
	redisAddr           string
	sendRateLimit       int
	sendRateWindow      time.Duration
	notificationWorkers int
	seedUsers           stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&store, "store", config.StoreMemory, "message store: memory, postgres or mongo")
	flag.StringVar(&dsn, "dsn", "", "database connection string")
	flag.StringVar(&mongoDatabase, "mongo-db", config.DefaultMongoDatabase, "mongo database name")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&natsURL, "nats-url", "", "NATS server URL for cross-instance delivery")
	flag.StringVar(&redisAddr, "redis-addr", "", "redis address for send rate limiting")
	flag.IntVar(&sendRateLimit, "send-rate-limit", config.DefaultSendRateLimit, "messages a user may send per window")
	flag.DurationVar(&sendRateWindow, "send-rate-window", config.DefaultSendRateWindow, "send rate limiting window")
	flag.IntVar(&notificationWorkers, "notification-workers", config.DefaultNotificationWorkers, "number of notification workers")
	flag.Var(&seedUsers, "seed-users", "comma-separated users to create in the memory store")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-messenger] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, store, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.MongoDatabase = mongoDatabase
	cfg.NatsURL = natsURL
	cfg.RedisAddr = redisAddr
	cfg.SendRateLimit = sendRateLimit
	cfg.SendRateWindow = sendRateWindow
	cfg.NotificationWorkers = notificationWorkers
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config:", err)
	}

	db, closeDb, err := openStore(cfg)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := closeDb(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	verifier := auth.NewVerifier(cfg.SigningKey, db)

	if mem, ok := db.(*database.MemoryMessengerRepository); ok && len(seedUsers) > 0 {
		if err := seed(logger, mem, verifier, seedUsers); err != nil {
			logger.Fatal("seed users:", err)
		}
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	opts := server.Options{NotificationWorkers: cfg.NotificationWorkers}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		limiter, err := ratelimit.NewLimiter(rdb, "", cfg.SendRateLimit, cfg.SendRateWindow)
		if err != nil {
			logger.Fatal("rate limiter:", err)
		}
		opts.RateLimiter = limiter
	}

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, opts)
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	if cfg.NatsURL != "" {
		nc, err := pubsub.Connect(cfg.NatsURL, "go-messenger")
		if err != nil {
			logger.Fatal("nats connect:", err)
		}
		defer nc.Drain()

		deliverer := pubsub.NewNatsDeliverer(logger, nc, chatServer.LocalDeliverer(), "")
		if err := deliverer.Start(); err != nil {
			logger.Fatal("nats subscribe:", err)
		}
		defer deliverer.Close()

		chatServer.SetDeliverer(deliverer)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, db, verifier, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

// openStore connects to the configured store and returns it with a
// function that releases it.
func openStore(cfg *config.Config) (database.MessengerRepository, func() error, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pg, err := database.NewPgMessengerRepository(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case config.StoreMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		mg, err := database.NewMongoMessengerRepository(ctx, cfg.DatabaseDSN, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		if err := mg.EnsureIndexes(ctx); err != nil {
			mg.Close(context.Background())
			return nil, nil, err
		}
		return mg, func() error { return mg.Close(context.Background()) }, nil
	default:
		return database.NewMemoryMessengerRepository(), func() error { return nil }, nil
	}
}

// seed creates users who are all friends with each other and logs a token
// for each, so the memory store can be used without an account service.
func seed(logger *log.Logger, db *database.MemoryMessengerRepository, verifier *auth.Verifier, userIds []string) error {
	var created []string
	for _, id := range userIds {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		db.AddUser(database.User{Id: id, Username: id, Status: types.StatusOffline})
		for _, other := range created {
			db.AddFriendship(id, other)
		}
		created = append(created, id)

		token, err := verifier.CreateToken(id, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("token for %q: %w", id, err)
		}
		logger.Printf("seeded user %q token=%s", id, token)
	}
	return nil
}
