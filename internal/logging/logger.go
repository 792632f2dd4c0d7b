package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Options configures a logger built by New
type Options struct {
	Name   string
	Level  string // trace, debug, info, warn, error
	Format string // "json" for JSON lines, anything else for text
	Output io.Writer
}

// New builds an hclog logger. Plugin processes must log to stderr, the
// default output, because go-plugin owns stdout.
func New(opts Options) hclog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      level,
		Output:     out,
		JSONFormat: strings.EqualFold(opts.Format, "json"),
	})
}

// SetupBareLogger returns a logger without time stamps or a name, used
// before configuration has been read.
func SetupBareLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Level:           hclog.Info,
		Output:          os.Stderr,
		DisableTime:     true,
		IncludeLocation: false,
	})
}
