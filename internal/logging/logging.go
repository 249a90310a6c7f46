// Package logging builds the logrus logger shared by the engine and holds the
// structured field keys, so the same concept is logged under one name
// everywhere.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Field keys.
const (
	KeyAction       = "action"
	KeyComponent    = "component"
	KeyEventID      = "event_id"
	KeyAuthEventID  = "auth_event_id"
	KeyRoomID       = "room_id"
	KeyShortID      = "short_id"
	KeyKind         = "kind"
	KeyCount        = "count"
	KeySnapshot     = "snapshot_id"
	KeyParent       = "parent_id"
	KeyLayers       = "layers"
	KeyBucket       = "bucket"
	KeyChainSize    = "chain_size"
	KeyTook         = "took"
	KeyPath         = "path"
	KeyBackend      = "backend"
	KeyCacheStats   = "cache_stats"
	KeyStartEventID = "starting_event_ids"
)

type Config struct {
	Level  string // logrus level name, default info
	Format string // text or json
	Output io.Writer
}

func New(config Config) (*logrus.Logger, error) {
	log := logrus.New()

	if config.Output != nil {
		log.SetOutput(config.Output)
	} else {
		log.SetOutput(os.Stderr)
	}

	level := logrus.InfoLevel
	if config.Level != "" {
		parsed, err := logrus.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	log.SetLevel(level)

	switch config.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, &FormatError{Format: config.Format}
	}

	return log, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Component returns logger scoped to one engine component.
func Component(log logrus.FieldLogger, name string) logrus.FieldLogger {
	if log == nil {
		log = Discard()
	}
	return log.WithField(KeyComponent, name)
}

type FormatError struct {
	Format string
}

func (e *FormatError) Error() string {
	return "unknown log format " + e.Format + ", want text or json"
}
