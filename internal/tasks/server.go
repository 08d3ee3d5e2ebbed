package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

type ServerConfig struct {
	Concurrency  int
	ReapInterval time.Duration
}

// Server runs the task handlers and the periodic reaper schedule.
type Server struct {
	srv       *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	interval  time.Duration
}

func NewServer(redisOpt asynq.RedisConnOpt, handlers *Handlers, cfg ServerConfig) *Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}

	logger := slogLogger{}
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
			},
			Logger: logger,
		},
	)
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: logger})

	return &Server{srv: srv, scheduler: scheduler, mux: handlers.Mux(), interval: cfg.ReapInterval}
}

// Run starts processing and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	task, err := NewReapEntriesTask()
	if err != nil {
		return err
	}
	// every process registers the same schedule; Unique keeps one run per period
	cronspec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.scheduler.Register(cronspec, task, asynq.Unique(s.interval)); err != nil {
		return fmt.Errorf("failed to register reaper schedule: %w", err)
	}

	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := s.srv.Start(s.mux); err != nil {
		s.scheduler.Shutdown()
		return fmt.Errorf("failed to start task server: %w", err)
	}

	<-ctx.Done()
	s.scheduler.Shutdown()
	s.srv.Shutdown()
	return nil
}

// slogLogger routes asynq's logging through slog.
type slogLogger struct{}

func (slogLogger) Debug(args ...any) { slog.Debug(fmt.Sprint(args...), "component", "asynq") }
func (slogLogger) Info(args ...any)  { slog.Info(fmt.Sprint(args...), "component", "asynq") }
func (slogLogger) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...), "component", "asynq") }
func (slogLogger) Error(args ...any) { slog.Error(fmt.Sprint(args...), "component", "asynq") }
func (slogLogger) Fatal(args ...any) { slog.Error(fmt.Sprint(args...), "component", "asynq", "fatal", true) }
