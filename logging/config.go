package logging

import "time"

// Config tunes the event router that carries replication, authority, and
// lifecycle events from the engine to the configured sinks. EnabledSinks
// names the sinks to fan out to ("console", "json", "memory" in tests);
// Fields is stamped onto every event, useful for tagging which syncd
// instance emitted it when several feed one log pipeline.
type Config struct {
	EnabledSinks     []string
	BufferSize       int
	MinimumSeverity  Severity
	Fields           map[string]any
	JSON             JSONConfig
	Console          ConsoleConfig
	DropWarnInterval time.Duration
}

// JSONConfig controls the batching file sink.
type JSONConfig struct {
	FilePath      string
	MaxBatch      int
	FlushInterval time.Duration
}

// ConsoleConfig controls the zerolog console sink.
type ConsoleConfig struct {
	UseColor bool
}

// DefaultConfig is sized for a single syncd process: the buffer absorbs a
// broadcast flush worth of replication events without dropping.
func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		Fields:           map[string]any{"service": "syncd"},
		JSON: JSONConfig{
			MaxBatch:      32,
			FlushInterval: 2 * time.Second,
		},
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
