package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Setup initializes the global zerolog logger.
//   - level: trace, debug, info, warn, error, fatal, panic (unknown values fall back to info)
//   - format: "pretty" for human-readable dev output, "auto" for pretty only
//     on an interactive terminal, anything else emits JSON lines
func Setup(level, format string) zerolog.Logger {
	return New(os.Stdout, level, format)
}

// New builds a logger writing to w. Setup is New bound to stdout.
func New(w io.Writer, level, format string) zerolog.Logger {
	writer := w
	if pretty(w, format) {
		writer = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

func pretty(w io.Writer, format string) bool {
	switch format {
	case "pretty":
		return true
	case "auto":
		f, ok := w.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	default:
		return false
	}
}
