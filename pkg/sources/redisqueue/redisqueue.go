// Package redisqueue provides a Redis-list job source: submissions pushed to
// a list are popped and handed to the scheduler.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/skein-dev/skein/pkg/protocol"
)

// Config connects the source to a Redis list.
type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// Source implements protocol.JobSource by blocking-popping JSON submissions
// from a Redis list.
type Source struct {
	cfg      Config
	logger   *slog.Logger
	client   redis.UniversalClient
	callback protocol.JobSubmitCallback
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSource(logger *slog.Logger, cfg Config) (*Source, error) {
	if cfg.Queue == "" {
		return nil, errors.New("redis queue name is required")
	}

	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	return &Source{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: logger.With(
			"module", "redisqueue_source",
			"queue", cfg.Queue,
		),
	}, nil
}

func (s *Source) Start(ctx context.Context, callback protocol.JobSubmitCallback) error {
	s.logger.InfoContext(ctx, "Starting redis queue source")
	s.callback = callback

	s.client = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s.logger.InfoContext(ctx, "Connected to Redis", "addr", s.cfg.Addr, "db", s.cfg.DB)

	s.wg.Add(1)

	go s.consume(ctx)

	return nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.wg.Done()

	s.logger.InfoContext(ctx, "Starting queue consumer")

	for {
		select {
		case <-s.stopCh:
			s.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			if err := s.processMessage(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Error processing message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (s *Source) processMessage(ctx context.Context) error {
	result, err := s.client.BLPop(ctx, 1*time.Second, s.cfg.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	message := result[1]

	var submission map[string]any
	if err := json.Unmarshal([]byte(message), &submission); err != nil {
		return fmt.Errorf("failed to decode submission: %w", err)
	}

	if submission["timestamp"] == nil {
		submission["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	if err := s.callback(ctx, submission); err != nil {
		s.logger.ErrorContext(ctx, "Failed to submit job from queue", "error", err)
	}

	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping redis queue source")

	close(s.stopCh)
	s.wg.Wait()

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
