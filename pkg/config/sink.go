package config

import (
	"context"
	"fmt"

	"github.com/qsologio/qsolog/pkg/journal"
)

// OpenSink opens the journal sink the section selects.
func (s JournalSection) OpenSink(ctx context.Context) (journal.Sink, error) {
	backend := s.Backend
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "sqlite":
		return journal.OpenSQLite(s.Path)
	case "badger":
		return journal.OpenBadger(s.Path)
	case "postgres":
		return journal.OpenPostgres(ctx, s.DSN)
	}
	return nil, fmt.Errorf("config: unknown journal backend %q", backend)
}
