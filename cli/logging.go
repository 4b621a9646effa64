package cli

import (
	"io"
)

import (
	logging "github.com/op/go-logging"
)

var logger = logging.MustGetLogger("cli")

var logFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{module:-10s} %{level:.4s} %{message}`,
)

// sends every module's log output to w, at the given level.
// Stdout carries the maelstrom protocol, so logs go to stderr
func SetupLogging(w io.Writer, level logging.Level) {
	backend := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(backend, logFormat)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}
