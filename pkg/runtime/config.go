package runtime

import "fmt"

// AckMode governs when a mutating command's future resolves.
type AckMode int

const (
	// AckInMemory resolves once the store applied the op and the stored op
	// was accepted into the persistence queue.
	AckInMemory AckMode = iota
	// AckDurable resolves only after the op's sequence is known durable.
	AckDurable
)

func (m AckMode) String() string {
	switch m {
	case AckInMemory:
		return "in_memory"
	case AckDurable:
		return "durable"
	}
	return fmt.Sprintf("ack_mode(%d)", int(m))
}

// ParseAckMode maps the stable config names back to an AckMode.
func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "", "in_memory":
		return AckInMemory, nil
	case "durable":
		return AckDurable, nil
	}
	return AckInMemory, fmt.Errorf("runtime: unknown ack mode %q", s)
}

// Config carries the runtime tunables.
type Config struct {
	AckMode AckMode
	// PersistQueueCapacity bounds the persistence queue; submissions fail
	// with ErrPersistQueueFull when it is at capacity.
	PersistQueueCapacity int
	// PersistBatchMax caps ops per journal transaction.
	PersistBatchMax int
	// PersistBatchLatencyMS caps how long ops wait for a fuller batch.
	PersistBatchLatencyMS int
	// EventBuffer is the per-subscriber event buffer depth.
	EventBuffer int
	// UndoDepth caps the undo and redo stacks; overflow discards the oldest.
	UndoDepth int
	// SnapshotIntervalOps triggers a checkpoint every N applied ops.
	// 0 disables automatic snapshots.
	SnapshotIntervalOps int
	// CommandBuffer is the writer's command channel depth.
	CommandBuffer int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AckMode:               AckInMemory,
		PersistQueueCapacity:  1024,
		PersistBatchMax:       256,
		PersistBatchLatencyMS: 5,
		EventBuffer:           4096,
		UndoDepth:             256,
		SnapshotIntervalOps:   0,
		CommandBuffer:         256,
	}
}

// withDefaults fills unset fields so a zero Config behaves like
// DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PersistQueueCapacity <= 0 {
		c.PersistQueueCapacity = def.PersistQueueCapacity
	}
	if c.PersistBatchMax <= 0 {
		c.PersistBatchMax = def.PersistBatchMax
	}
	if c.PersistBatchLatencyMS <= 0 {
		c.PersistBatchLatencyMS = def.PersistBatchLatencyMS
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.UndoDepth <= 0 {
		c.UndoDepth = def.UndoDepth
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = def.CommandBuffer
	}
	return c
}
