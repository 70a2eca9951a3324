package warden

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// NewLogger builds a console logger for hosts that want warden's output on a
// terminal. Library embedders that pass no logger get zerolog.Nop.
func NewLogger(out io.Writer, level zerolog.Level) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Str("app", "warden").Logger()
}

// burstLog suppresses repeated refusal logging. Admission rejection is an
// expected, high-frequency condition under load; the first refusal in a
// burst is logged and the rest are only counted.
type burstLog struct {
	log  zerolog.Logger
	some rate.Sometimes
}

func newBurstLog(log zerolog.Logger, interval time.Duration) *burstLog {
	return &burstLog{
		log:  log,
		some: rate.Sometimes{First: 1, Interval: interval},
	}
}

// Warnf logs at warn level at most once per interval.
func (b *burstLog) Warnf(format string, args ...any) {
	b.some.Do(func() {
		b.log.Warn().Msgf(format, args...)
	})
}
