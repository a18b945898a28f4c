// Package schedule provides a cron-based job source: each configured entry
// submits a job to the scheduler on its cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/skein-dev/skein/pkg/protocol"
)

// EntryConfig describes one recurring submission.
type EntryConfig struct {
	Name       string         `json:"name"`
	CronExpr   string         `json:"cron"`
	HandlerKey string         `json:"handler_key"`
	Priority   string         `json:"priority,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
}

func (c EntryConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Source implements protocol.JobSource on top of robfig/cron.
type Source struct {
	entries  []EntryConfig
	logger   *slog.Logger
	cron     *cron.Cron
	jobs     map[string]cron.EntryID
	mutex    sync.RWMutex
	callback protocol.JobSubmitCallback
}

func NewSource(logger *slog.Logger, entries []EntryConfig) (*Source, error) {
	s := &Source{
		entries: entries,
		logger:  logger.With("module", "schedule_source"),
		jobs:    make(map[string]cron.EntryID),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Source) validate() error {
	if len(s.entries) == 0 {
		return errors.New("no schedule entries configured")
	}

	for _, entry := range s.entries {
		if entry.Name == "" {
			return errors.New("schedule entry name is required")
		}

		if entry.HandlerKey == "" {
			return fmt.Errorf("handler key required for schedule entry %s", entry.Name)
		}

		if _, err := cron.ParseStandard(entry.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression '%s' for entry %s: %w", entry.CronExpr, entry.Name, err)
		}
	}

	return nil
}

func (s *Source) Start(ctx context.Context, callback protocol.JobSubmitCallback) error {
	s.logger.InfoContext(ctx, "Starting schedule source", "entries_count", len(s.entries))

	s.callback = callback
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	for _, entry := range s.entries {
		if err := s.startEntry(ctx, entry); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Schedule source started")

	return nil
}

func (s *Source) startEntry(ctx context.Context, entry EntryConfig) error {
	logger := s.logger.With("entry", entry.Name)

	if !entry.enabled() {
		logger.InfoContext(ctx, "Schedule entry is disabled, skipping")

		return nil
	}

	entryID, err := s.cron.AddFunc(entry.CronExpr, func() {
		s.submit(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job for entry %s: %w", entry.Name, err)
	}

	s.mutex.Lock()
	s.jobs[entry.Name] = entryID
	s.mutex.Unlock()

	logger.InfoContext(ctx, "Added cron job", "cron", entry.CronExpr, "entry_id", entryID)

	return nil
}

func (s *Source) submit(entry EntryConfig) {
	logger := s.logger.With("entry", entry.Name)

	submission := map[string]any{
		"name":        entry.Name,
		"handler_key": entry.HandlerKey,
		"priority":    entry.Priority,
		"payload":     entry.Payload,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	if err := s.callback(context.Background(), submission); err != nil {
		logger.Error("Failed to submit scheduled job", "error", err)

		return
	}

	logger.Debug("Submitted scheduled job")
}

func (s *Source) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping schedule source")

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.mutex.Lock()
	s.jobs = make(map[string]cron.EntryID)
	s.mutex.Unlock()

	return nil
}
