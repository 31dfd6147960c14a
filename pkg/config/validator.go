package config

import (
	"fmt"
	"strings"
)

// Validator checks one aspect of a loaded config.
type Validator interface {
	Validate(cfg *File) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(cfg *File) error

func (f ValidatorFunc) Validate(cfg *File) error { return f(cfg) }

// Validate runs every validator and returns the first failure.
func Validate(cfg *File, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(cfg); err != nil {
			return fmt.Errorf("config: validation failed: %w", err)
		}
	}
	return nil
}

// JournalBackend verifies the backend selection and its required location
// field.
func JournalBackend() Validator {
	return ValidatorFunc(func(cfg *File) error {
		backend := cfg.Journal.Backend
		if backend == "" {
			backend = "sqlite"
		}
		switch backend {
		case "sqlite", "badger":
			if strings.TrimSpace(cfg.Journal.Path) == "" {
				return fmt.Errorf("journal backend %q requires journal.path", backend)
			}
		case "postgres":
			if strings.TrimSpace(cfg.Journal.DSN) == "" {
				return fmt.Errorf("journal backend postgres requires journal.dsn")
			}
		default:
			return fmt.Errorf("unknown journal backend %q", backend)
		}
		return nil
	})
}

// RuntimeBounds rejects nonsensical tunables before they reach the runtime.
func RuntimeBounds() Validator {
	return ValidatorFunc(func(cfg *File) error {
		r := cfg.Runtime
		if r.PersistQueueCapacity < 0 ||
			r.PersistBatchMax < 0 ||
			r.PersistBatchLatencyMS < 0 ||
			r.EventBuffer < 0 ||
			r.UndoDepth < 0 ||
			r.SnapshotIntervalOps < 0 {
			return fmt.Errorf("runtime options must be non-negative")
		}
		if r.PersistBatchMax > 0 && r.PersistQueueCapacity > 0 && r.PersistBatchMax > r.PersistQueueCapacity {
			return fmt.Errorf("persist_batch_max (%d) exceeds persist_queue_capacity (%d)",
				r.PersistBatchMax, r.PersistQueueCapacity)
		}
		if _, err := parseAckMode(r.AckMode); err != nil {
			return err
		}
		return nil
	})
}

func parseAckMode(s string) (string, error) {
	switch s {
	case "", "in_memory", "durable":
		return s, nil
	}
	return "", fmt.Errorf("unknown ack_mode %q", s)
}
