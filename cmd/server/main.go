package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"slotauction/internal/adapters"
	"slotauction/internal/api"
	"slotauction/internal/bidservice"
	"slotauction/internal/config"
	"slotauction/internal/coordinator"
	"slotauction/internal/eventbus"
	"slotauction/internal/roundengine"
	"slotauction/internal/scheduler"
	"slotauction/internal/store/postgres"
	"slotauction/internal/ws"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("main: config load failed")
	}

	st, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("main: db open failed")
	}
	log.Info("main: connected to database")

	if err := st.Migrate(cfg.MigrationsDir); err != nil {
		log.WithError(err).Fatal("main: migrate failed")
	}
	log.Info("main: migrations applied")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Fatal("main: redis ping failed")
	}
	cancel()
	log.Info("main: connected to redis")

	var amqpCh *amqp.Channel
	if conn, err := amqp.Dial(cfg.RabbitMQURL); err != nil {
		log.WithError(err).Warn("main: rabbitmq dial failed, event relay disabled")
	} else {
		ch, err := conn.Channel()
		if err != nil {
			log.WithError(err).Warn("main: rabbitmq channel open failed, event relay disabled")
		} else {
			amqpCh = ch
			log.Info("main: connected to rabbitmq")
		}
	}

	auth := adapters.NewJWTAuth(cfg.JWTSecret, cfg.TokenTTLHours)
	hub := ws.NewHub(auth.Validate, log)

	bus, err := eventbus.New(hub, amqpCh, log)
	if err != nil {
		log.WithError(err).Fatal("main: eventbus init failed")
	}

	sched := scheduler.New(rdb, log)
	engine := roundengine.New(st, sched, bus, log)
	coord := coordinator.New(st, sched, bus, engine, log)
	sched.SetHandler(coord.HandleTimer)

	bidsvc := bidservice.New(st, bus, engine, log)
	creds := adapters.NewCredentials(st, auth, cfg.DefaultInitialBalance)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := coord.Rehydrate(ctx); err != nil {
		log.WithError(err).Error("main: failed to rehydrate timers")
	}
	go sched.RunSweeper(ctx, 60*time.Second, coord.Sweep)

	srv := api.NewServer(st, creds, auth, coord, bidsvc, hub, cfg.AdminToken, log)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router()}

	go func() {
		log.WithField("port", cfg.Port).Info("main: listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("main: server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("main: shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("main: graceful shutdown failed")
	}
	st.Close()
}
