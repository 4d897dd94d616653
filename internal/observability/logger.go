package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process-wide logger for console output.
func InitLogger(app string) zerolog.Logger {
	return initLogger(app, nil)
}

// InitFileLogger also mirrors log lines to w; workers use this for
// the log file they upload to storage at exit.
func InitFileLogger(app string, w io.Writer) zerolog.Logger {
	return initLogger(app, w)
}

func initLogger(app string, file io.Writer) zerolog.Logger {
	writers := []io.Writer{consoleWriter(os.Stdout, false)}
	if file != nil {
		writers = append(writers, consoleWriter(file, true))
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

func consoleWriter(out io.Writer, plain bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    plain,
	}
}
