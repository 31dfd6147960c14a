// Package config loads the logging engine configuration from YAML or JSON
// files with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/qsologio/qsolog/pkg/runtime"
)

// File is the on-disk configuration shape.
type File struct {
	Journal JournalSection `yaml:"journal" json:"journal"`
	Runtime RuntimeSection `yaml:"runtime" json:"runtime"`
}

// JournalSection selects and locates the persistence sink.
type JournalSection struct {
	// Backend is "sqlite" (default), "postgres" or "badger".
	Backend string `yaml:"backend" json:"backend"`
	// Path is the database file (sqlite) or directory (badger).
	Path string `yaml:"path" json:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`
}

// RuntimeSection mirrors runtime.Config with config-file-friendly types.
type RuntimeSection struct {
	AckMode               string `yaml:"ack_mode" json:"ack_mode"`
	PersistQueueCapacity  int    `yaml:"persist_queue_capacity" json:"persist_queue_capacity"`
	PersistBatchMax       int    `yaml:"persist_batch_max" json:"persist_batch_max"`
	PersistBatchLatencyMS int    `yaml:"persist_batch_latency_ms" json:"persist_batch_latency_ms"`
	EventBuffer           int    `yaml:"event_buffer" json:"event_buffer"`
	UndoDepth             int    `yaml:"undo_depth" json:"undo_depth"`
	SnapshotIntervalOps   int    `yaml:"snapshot_interval_ops" json:"snapshot_interval_ops"`
}

// ToRuntime converts the section into a runtime.Config, applying defaults
// for unset fields.
func (s RuntimeSection) ToRuntime() (runtime.Config, error) {
	mode, err := runtime.ParseAckMode(s.AckMode)
	if err != nil {
		return runtime.Config{}, err
	}
	cfg := runtime.DefaultConfig()
	cfg.AckMode = mode
	if s.PersistQueueCapacity > 0 {
		cfg.PersistQueueCapacity = s.PersistQueueCapacity
	}
	if s.PersistBatchMax > 0 {
		cfg.PersistBatchMax = s.PersistBatchMax
	}
	if s.PersistBatchLatencyMS > 0 {
		cfg.PersistBatchLatencyMS = s.PersistBatchLatencyMS
	}
	if s.EventBuffer > 0 {
		cfg.EventBuffer = s.EventBuffer
	}
	if s.UndoDepth > 0 {
		cfg.UndoDepth = s.UndoDepth
	}
	if s.SnapshotIntervalOps > 0 {
		cfg.SnapshotIntervalOps = s.SnapshotIntervalOps
	}
	return cfg, nil
}

// Load reads a config file, detecting YAML vs JSON by extension.
func Load(path string, target *File) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, target); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadWithEnv loads the file then applies PREFIX_SECTION_FIELD environment
// overrides, e.g. QSOLOG_JOURNAL_PATH or QSOLOG_RUNTIME_ACK_MODE.
func LoadWithEnv(path, prefix string, target *File) error {
	if err := Load(path, target); err != nil {
		return err
	}
	return ApplyEnvOverrides(prefix, target)
}

// ApplyEnvOverrides walks the config struct and overwrites fields from the
// environment.
func ApplyEnvOverrides(prefix string, target *File) error {
	if prefix == "" {
		prefix = "QSOLOG"
	}
	return applyEnvToStruct(prefix, reflect.ValueOf(target).Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}

		name := fieldType.Tag.Get("yaml")
		if name == "" {
			name = strings.ToLower(fieldType.Name)
		}
		envKey := prefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}
		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("config: env %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", envValue)
		}
		field.SetInt(n)
	case reflect.Bool:
		field.SetBool(strings.EqualFold(envValue, "true") || envValue == "1")
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
