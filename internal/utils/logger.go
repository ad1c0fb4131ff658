package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global console logger. Debug runs also append
// every line to LogFile in the working directory, so a failed download's
// engine trace survives the terminal redraws.
func InitLogger(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.DateTime,
	}
	var out io.Writer = console
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		if logFile, err := os.OpenFile(LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			out = zerolog.MultiLevelWriter(console, logFile)
		}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
