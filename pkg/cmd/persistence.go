package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skein-dev/skein/pkg/persistence"
	"github.com/skein-dev/skein/pkg/persistence/file"
	"github.com/skein-dev/skein/pkg/persistence/postgresql"
)

// NewPersistence selects a backend by URL scheme: postgres:// connects and
// migrates, anything else is treated as a file root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch persistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgresql persistence: %w", err)
		}

		return p, nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func persistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
