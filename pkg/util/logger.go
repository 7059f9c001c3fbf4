package util

import (
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

var (
	LogFormats = []string{"logfmt", "json"}
	LogLevels  = []string{"debug", "info", "warn", "error"}
)

// NewLogger returns a logger writing to w in the given format and dropping
// entries below lvl.
func NewLogger(w io.Writer, format, lvl string) (log.Logger, error) {
	w = log.NewSyncWriter(w)
	var l log.Logger
	switch strings.ToLower(format) {
	case "", "logfmt":
		l = log.NewLogfmtLogger(w)
	case "json":
		l = log.NewJSONLogger(w)
	default:
		return nil, errors.Errorf("unknown log format %q, expected one of %s", format, strings.Join(LogFormats, ", "))
	}
	var opt level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		opt = level.AllowDebug()
	case "", "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, errors.Errorf("unknown log level %q, expected one of %s", lvl, strings.Join(LogLevels, ", "))
	}
	return level.NewFilter(l, opt), nil
}

// LoggerWithFile returns a Logger that has the file being processed in its
// details.
//
// e.g.
//
//	# level=error file=/tests/rv32ui-p-add.elf msg="failed to patch file" err="an error"
func LoggerWithFile(path string, l log.Logger) log.Logger {
	return log.With(l, "file", path)
}
