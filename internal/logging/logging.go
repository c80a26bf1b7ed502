// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
)

const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Setup sets the level and formatter of the standard logger. The "auto" format picks colored
// text on a terminal and JSON otherwise.
func Setup(level, format string) error {
	return configure(log.StandardLogger(), os.Stderr, level, format)
}

func configure(l *log.Logger, out *os.File, level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.SetLevel(lvl)

	tty := out != nil && (isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()))
	if format == FormatAuto {
		format = FormatJSON
		if tty {
			format = FormatText
		}
	}

	var w io.Writer = out
	switch format {
	case FormatJSON:
		l.SetFormatter(&log.JSONFormatter{})
	case FormatText:
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true, ForceColors: tty})
		if tty {
			w = colorable.NewColorable(out)
		}
	default:
		return fmt.Errorf("invalid log format %q, want auto, text or json", format)
	}
	if out != nil {
		l.SetOutput(w)
	}
	return nil
}
