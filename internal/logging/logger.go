package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"github.com/rs/zerolog/log"
)

// NewContextWithLogger installs a console logger as the global and context
// logger. Writes go through a non-blocking ring buffer; call the returned
// function on shutdown to flush it.
func NewContextWithLogger(ctx context.Context, debug bool) (context.Context, func()) {
	// Size: 1000, Poll interval: 5ms
	wr := diode.NewWriter(os.Stdout, 1000, 5*time.Millisecond, func(missed int) {
		fmt.Printf("Logger Dropped %d messages\n", missed)
	})

	logger := newLogger(wr, debug)
	log.Logger = logger

	return logger.WithContext(ctx), func() {
		_ = wr.Close()
	}
}

// New returns a console logger writing to w, for tools and tests.
func New(w io.Writer, debug bool) zerolog.Logger {
	return newLogger(w, debug)
}

func newLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	output := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: time.DateTime,
		PartsOrder: []string{
			zerolog.LevelFieldName,
			zerolog.TimestampFieldName,
			zerolog.MessageFieldName,
		},
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// FromCtx returns the logger stored in ctx, falling back to the global logger.
func FromCtx(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
			return l
		}
	}
	return &log.Logger
}
