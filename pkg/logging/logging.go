// Package logging configures the global zerolog logger for the streamchat binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings selects the level and output format.
type Settings struct {
	Level string `yaml:"level"`
	// Format is one of "console", "json" or "auto" (console when writing to a terminal).
	Format string `yaml:"format"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "auto"}
}

// Init replaces log.Logger. A nil writer means stderr.
func Init(s Settings, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.Level)))
		if err != nil {
			return errors.Wrapf(err, "parse log level %q", s.Level)
		}
		level = l
	}

	var out io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "auto":
		if isTerminal(w) {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		} else {
			out = w
		}
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: !isTerminal(w)}
	case "json":
		out = w
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
