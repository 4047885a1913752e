package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"streamgate/internal/logx"
)

// SetupLogging builds the process logger: zerolog events pass through the
// logx filter, then fan out to a console writer and, when LOG_FILE is set,
// a rotating JSON file. The returned closer flushes the file.
func SetupLogging(lc Logging) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}

	sinks := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}}
	var closer io.Closer = nopCloser{}
	if lc.File != "" {
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			Compress:   true,
		}
		sinks = append(sinks, lj)
		closer = lj
	}

	filter, err := logx.New(io.MultiWriter(sinks...), lc.DedupWindow, lc.Allow, lc.Deny)
	if err != nil {
		return zerolog.Nop(), closer, err
	}

	logger := zerolog.New(filter).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	logger.Info().
		Str("logLevel", level.String()).
		Str("file", lc.File).
		Dur("dedup", lc.DedupWindow).
		Msg("logging configured")
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
