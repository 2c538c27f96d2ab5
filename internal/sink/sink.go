// Package sink hands finished conflict events to the persistence layer.
//
// A Sink receives each ConflictEventCandidate by value; the pipeline keeps
// no reference after Write returns. Event ids are stable across runs, so
// downstream stores can upsert on them.
package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/hwik-project/hwik/internal/config"
	"github.com/hwik-project/hwik/internal/domain/conflict"
)

// Sink is the persistence write contract.
type Sink interface {
	Write(ctx context.Context, ev conflict.ConflictEventCandidate) error
	Close() error
}

// Open builds the sink selected by cfg.Kind. stdout receives file-based
// output when cfg.Path is empty or "-".
func Open(cfg config.SinkConfig, stdout io.Writer, logger zerolog.Logger) (Sink, error) {
	switch cfg.Kind {
	case "", "jsonl":
		return OpenJSONL(cfg.Path, stdout)
	case "csv":
		return OpenCSV(cfg.Path, stdout)
	case "nats":
		return OpenNATS(cfg.NATSURL, cfg.NATSSubject, logger)
	case "http":
		return NewHTTP(cfg.HTTPURL, cfg.HTTPAPIKey, logger), nil
	default:
		return nil, &conflict.ConfigurationError{Field: "sink.kind", Reason: fmt.Sprintf("unsupported sink %q", cfg.Kind)}
	}
}

// WritesStdout reports whether Open would send events to stdout.
func WritesStdout(cfg config.SinkConfig) bool {
	switch cfg.Kind {
	case "", "jsonl", "csv":
		return cfg.Path == "" || cfg.Path == "-"
	default:
		return false
	}
}
