// Package logger defines the structured, leveled logging contract used
// throughout eventcore, mirroring the shape of kgo.Logger so the same
// instance can back both our own agents and any kgo.Client we construct.
package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Level mirrors kgo's logging levels so callers never need to import kgo
// just to pick a level.
type Level int

const (
	LevelNone Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

// Logger is the structured logging contract every eventcore component
// accepts at construction time. No component reaches for a package-level
// global logger.
type Logger interface {
	Log(level Level, msg string, keyvals ...any)
}

// Nop discards everything logged through it. Useful in tests that do not
// care about log output.
type Nop struct{}

func (Nop) Log(Level, string, ...any) {}

// Slog adapts the standard library's structured logger to the Logger
// contract. This is the default implementation: nothing in the retrieved
// pack pulls in a third-party structured-logging library (no zap, no
// zerolog, no logrus), and log/slog already speaks the key-value shape
// kgo.Logger expects, so reaching past the standard library here would add
// a dependency the corpus never asked for.
type Slog struct {
	l *slog.Logger
}

// NewSlog builds a Slog logger writing to os.Stderr at the given minimum
// level, as text.
func NewSlog(min Level) *Slog {
	var lvl slog.Level
	switch min {
	case LevelDebug:
		lvl = slog.LevelDebug
	case LevelInfo:
		lvl = slog.LevelInfo
	case LevelWarn:
		lvl = slog.LevelWarn
	default:
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &Slog{l: slog.New(h)}
}

func (s *Slog) Log(level Level, msg string, keyvals ...any) {
	ctx := context.Background()
	switch level {
	case LevelDebug:
		s.l.DebugContext(ctx, msg, keyvals...)
	case LevelInfo:
		s.l.InfoContext(ctx, msg, keyvals...)
	case LevelWarn:
		s.l.WarnContext(ctx, msg, keyvals...)
	case LevelError:
		s.l.ErrorContext(ctx, msg, keyvals...)
	}
}

// KgoAdapter wraps a Logger so it can be passed to kgo.NewClient via
// kgo.WithLogger. This lets a single configured Logger back both our own
// agents' logging and the underlying kgo.Client's internal logging.
type KgoAdapter struct {
	L Logger
}

func (a KgoAdapter) Level() kgo.LogLevel {
	return kgo.LogLevelDebug
}

func (a KgoAdapter) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	a.L.Log(fromKgoLevel(level), msg, keyvals...)
}

func fromKgoLevel(level kgo.LogLevel) Level {
	switch level {
	case kgo.LogLevelDebug:
		return LevelDebug
	case kgo.LogLevelInfo:
		return LevelInfo
	case kgo.LogLevelWarn:
		return LevelWarn
	case kgo.LogLevelError:
		return LevelError
	default:
		return LevelNone
	}
}

var _ kgo.Logger = KgoAdapter{}
