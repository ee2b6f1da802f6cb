// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/openintel/flowd/pkg/persistence"
	"github.com/openintel/flowd/pkg/persistence/file"
	"github.com/openintel/flowd/pkg/persistence/postgresql"
)

// NewPersistence selects the persistence implementation from the database
// URL scheme. Anything that is not postgres falls back to file storage,
// which is only meant for local development.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return p
	default:
		return file.NewPersistence(databaseURL)
	}
}

// NewPostgresPersistence is for callers that also need the storage
// adapters sharing the database handle.
func NewPostgresPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) *postgresql.Persistence {
	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	if err != nil {
		panic(err)
	}

	return p
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
