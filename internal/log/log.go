package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu         sync.Mutex
	logger     zerolog.Logger
	loggerOnce sync.Once
	minLevel   = LevelInfo
)

// initLogger initializes the global logger to write to stderr with timestamps.
func initLogger() {
	loggerOnce.Do(func() {
		logger = newLogger(os.Stderr, minLevel)
	})
}

func newLogger(w io.Writer, l Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339Nano,
		NoColor:    true,
	}
	return zerolog.New(out).Level(zerologLevel(l)).With().Timestamp().Logger()
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel maps a config value such as "debug" or "WARN" to a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "WARNING":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("log: unknown level %q", s)
}

func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
	logger = logger.Level(zerologLevel(l))
}

// SetOutput redirects log lines to w, keeping the current level.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w, minLevel)
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, nil, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, nil, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, msg, nil, kv...)
}

func Error(msg string, err error, kv ...any) {
	logWithLevel(LevelError, msg, err, kv...)
}

func logWithLevel(level Level, msg string, err error, kv ...any) {
	initLogger()
	mu.Lock()
	l := logger
	mu.Unlock()

	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.Debug()
	case LevelWarn:
		ev = l.Warn()
	case LevelError:
		ev = l.Error()
	default:
		ev = l.Info()
	}
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.AnErr("err", err)
	}
	appendKVs(ev, kv...).Msg(msg)
}

// appendKVs expects kv as pairs: key, value, key, value, ...
// Non-string keys are skipped and a trailing odd value is ignored.
func appendKVs(ev *zerolog.Event, kv ...any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case int64:
			ev = ev.Int64(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case time.Duration:
			ev = ev.Str(key, v.String())
		case time.Time:
			ev = ev.Str(key, v.Format(time.RFC3339))
		case error:
			ev = ev.AnErr(key, v)
		case fmt.Stringer:
			ev = ev.Stringer(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	return ev
}
