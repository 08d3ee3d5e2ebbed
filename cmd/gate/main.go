// main.go - Entry point
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/anousonefs/ticket-gate/internal/admission"
	"github.com/anousonefs/ticket-gate/internal/channel"
	"github.com/anousonefs/ticket-gate/internal/clock"
	"github.com/anousonefs/ticket-gate/internal/config"
	"github.com/anousonefs/ticket-gate/internal/credential"
	"github.com/anousonefs/ticket-gate/internal/dispatch"
	"github.com/anousonefs/ticket-gate/internal/eventclient"
	"github.com/anousonefs/ticket-gate/internal/httpapi"
	"github.com/anousonefs/ticket-gate/internal/notify"
	"github.com/anousonefs/ticket-gate/internal/queue"
	"github.com/anousonefs/ticket-gate/internal/tasks"
	"github.com/anousonefs/ticket-gate/internal/waitroom"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(2)
	}
	slog.SetDefault(cfg.NewLogger(os.Stdout))

	if err := run(cfg); err != nil {
		slog.Error("Gate stopped", "error", err)
		os.Exit(1)
	}
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return err
	}

	clk := clock.NewSystem()
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	var mirror notify.Mirror
	if cfg.PubNubEnabled() {
		mirror, err = notify.NewPubnub(&notify.Config{
			PublishKey:   cfg.PubNub.PublishKey,
			SubscribeKey: cfg.PubNub.SubscribeKey,
			SecretKey:    cfg.PubNub.SecretKey,
			ServerID:     cfg.PubNub.UUID,
			GrantTTL:     cfg.PubNub.GrantTTL,
		})
		if err != nil {
			return err
		}
	} else {
		slog.Warn("PubNub keys not set, admission notices are not mirrored")
	}

	store := queue.NewStore(redisClient, clk)
	issuer := credential.NewIssuer(redisClient, clk, cfg.Credential.TTL)
	registry := channel.NewRegistry(channel.Options{
		OutboxSize:  cfg.Channel.OutboxSize,
		MaxLifetime: cfg.Channel.MaxLifetime,
	})
	streams := dispatch.NewStreams(redisClient)
	service := waitroom.NewService(store, issuer, eventclient.New(cfg.EventService.BaseURL, cfg.EventService.Timeout), registry, clk, waitroom.Config{
		ProcessID:  cfg.Instance.ID,
		StaleAfter: cfg.Liveness.StaleAfter,
	})

	var notifier dispatch.Notifier
	if mirror != nil {
		notifier = tasks.NewMirror(asynqClient)
	}
	consumer := dispatch.NewConsumer(
		dispatch.NewMailbox(redisClient, cfg.Instance.ID, cfg.Dispatch.Block),
		registry, store, issuer, notifier,
		dispatch.ConsumerConfig{
			Batch:           cfg.Admission.Batch,
			StaleAfter:      cfg.Dispatch.StaleAfter,
			ReclaimInterval: cfg.Dispatch.ReclaimInterval,
		},
	)
	promoter := admission.NewPromoter(store, streams, admission.Config{Batch: cfg.Admission.Batch, Workers: cfg.Admission.Workers})
	broadcaster := admission.NewBroadcaster(store, streams, cfg.Admission.Workers)
	taskServer := tasks.NewServer(redisOpt, tasks.NewHandlers(service, mirror, clk), tasks.ServerConfig{
		Concurrency:  cfg.Tasks.Concurrency,
		ReapInterval: cfg.Liveness.ReapInterval,
	})

	// push channels outlive their request only until shutdown starts
	channelCtx, closeChannels := context.WithCancel(context.Background())
	defer closeChannels()

	e := httpapi.New(httpapi.Deps{
		Waitroom:  service,
		Admin:     store,
		Validator: issuer,
		Mirror:    mirror,
		Health:    redisPinger{redisClient},
		BaseCtx:   channelCtx,
	})

	var wg sync.WaitGroup
	goLoop := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			slog.Info("Loop stopped", "loop", name)
		}()
	}
	goLoop("consumer", func() { consumer.Run(ctx) })
	goLoop("promoter", func() { promoter.Run(ctx, cfg.Admission.PromoteInterval) })
	goLoop("broadcaster", func() { broadcaster.Run(ctx, cfg.Admission.BroadcastInterval) })
	goLoop("heartbeat", func() { heartbeat(ctx, registry, service, cfg.Channel.Heartbeat) })
	goLoop("tasks", func() {
		if err := taskServer.Run(ctx); err != nil {
			slog.Error("Task server failed", "error", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gate listening", "addr", cfg.Server.Listen, "instance", cfg.Instance.ID)
		if err := e.Start(cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		stop()
	}

	// close push channels first so their cleanup reaches Redis before exit
	closeChannels()
	registry.CloseAll(channel.ReasonShutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := e.Shutdown(shutdownCtx); serr != nil {
		slog.Error("Server forced to shutdown", "error", serr)
	}
	wg.Wait()
	return err
}

// heartbeat pings every channel and keeps their queue entries alive.
func heartbeat(ctx context.Context, registry *channel.Registry, service *waitroom.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Heartbeat()
			service.KeepAlive(ctx)
		}
	}
}
