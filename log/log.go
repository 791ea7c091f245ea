// Package log is a thin wrapper around a global zerolog logger. Every package
// of the node logs through it so that the level and outputs are configured in
// a single place.
package log

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"
)

var (
	logger   zerolog.Logger
	loggerMu sync.RWMutex
)

func init() {
	// LOG_LEVEL lets tests and tools raise verbosity without calling Init.
	Init(cmp.Or(os.Getenv("LOG_LEVEL"), LogLevelError), "stderr", nil)
}

// Logger returns a copy of the global logger.
func Logger() *zerolog.Logger {
	l := current()
	return &l
}

func current() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func replace(l zerolog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// warnWriter only forwards warning and error lines to the wrapped writer.
type warnWriter struct {
	io.Writer
}

var _ zerolog.LevelWriter = (*warnWriter)(nil)

func (w *warnWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.WarnLevel {
		return len(p), nil
	}
	return w.Writer.Write(p)
}

// parseLevel maps the textual level used in flags and env vars to zerolog.
func parseLevel(level string) (zerolog.Level, error) {
	switch level {
	case LogLevelDebug:
		return zerolog.DebugLevel, nil
	case LogLevelInfo:
		return zerolog.InfoLevel, nil
	case LogLevelWarn:
		return zerolog.WarnLevel, nil
	case LogLevelError:
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("invalid log level: %q", level)
}

// Init configures the global logger. Output may be "stdout", "stderr" or a
// file path; a path ending in ".json" receives raw JSON lines while the
// console keeps the human readable format. When errorOutput is not nil, warn
// and error lines are also copied there without colors.
func Init(level, output string, errorOutput io.Writer) {
	lvl, err := parseLevel(level)
	if err != nil {
		panic(err.Error())
	}

	var writers []io.Writer
	var console io.Writer
	switch output {
	case "stdout":
		console = os.Stdout
	case "stderr":
		console = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			panic(fmt.Sprintf("cannot open log output %s: %v", output, err))
		}
		console = f
		if strings.HasSuffix(output, ".json") {
			writers = append(writers, f)
			console = os.Stdout
		}
	}
	writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: RFC3339Milli})
	if errorOutput != nil {
		writers = append(writers, &warnWriter{zerolog.ConsoleWriter{
			Out:        errorOutput,
			TimeFormat: RFC3339Milli,
			NoColor:    true,
		}})
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.CallerSkipFrameCount = 3
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return fmt.Sprintf("%s/%s:%d", path.Base(path.Dir(file)), path.Base(file), line)
	}
	l := zerolog.New(out).With().Timestamp().Caller().Logger().Level(lvl)
	replace(l)
	l.Debug().Msgf("logger ready at level %s writing to %s", level, output)
}

// Level returns the current log level.
func Level() string {
	switch current().GetLevel() {
	case zerolog.DebugLevel:
		return LogLevelDebug
	case zerolog.InfoLevel:
		return LogLevelInfo
	case zerolog.WarnLevel:
		return LogLevelWarn
	default:
		return LogLevelError
	}
}

// Debug logs the arguments at debug level.
func Debug(args ...any) {
	l := current()
	if l.GetLevel() > zerolog.DebugLevel {
		return
	}
	l.Debug().Msg(fmt.Sprint(args...))
}

// Info logs the arguments at info level.
func Info(args ...any) {
	l := current()
	l.Info().Msg(fmt.Sprint(args...))
}

// Warn logs the arguments at warn level.
func Warn(args ...any) {
	l := current()
	l.Warn().Msg(fmt.Sprint(args...))
}

// Error logs the arguments at error level.
func Error(args ...any) {
	l := current()
	l.Error().Msg(fmt.Sprint(args...))
}

// Monitor logs a structured info line without caller information. It is used
// for security and audit events that are scraped by external tooling.
func Monitor(msg string, fields map[string]any) {
	l := current()
	l.Info().CallerSkipFrame(100).Fields(fields).Msg(msg)
}

// Debugf logs a formatted message at debug level.
func Debugf(template string, args ...any) {
	Logger().Debug().Msgf(template, args...)
}

// Infof logs a formatted message at info level.
func Infof(template string, args ...any) {
	Logger().Info().Msgf(template, args...)
}

// Warnf logs a formatted message at warn level.
func Warnf(template string, args ...any) {
	Logger().Warn().Msgf(template, args...)
}

// Errorf logs a formatted message at error level.
func Errorf(template string, args ...any) {
	Logger().Error().Msgf(template, args...)
}

// Fatalf logs a formatted message with the current stack and exits.
func Fatalf(template string, args ...any) {
	Logger().Fatal().Msgf(template+"\n"+string(debug.Stack()), args...)
}

// Debugw logs msg at debug level with key-value pairs.
func Debugw(msg string, keyvalues ...any) {
	Logger().Debug().Fields(keyvalues).Msg(msg)
}

// Infow logs msg at info level with key-value pairs.
func Infow(msg string, keyvalues ...any) {
	Logger().Info().Fields(keyvalues).Msg(msg)
}

// Warnw logs msg at warn level with key-value pairs.
func Warnw(msg string, keyvalues ...any) {
	Logger().Warn().Fields(keyvalues).Msg(msg)
}

// Errorw logs msg at error level attaching err.
func Errorw(err error, msg string) {
	Logger().Error().Err(err).Msg(msg)
}
