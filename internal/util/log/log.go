// Package log holds the process-wide logger used throughout fetchqueue.
//
// Every package logs through the package-level Logger rather than
// constructing its own, so a single InitLogger call at startup governs the
// whole binary.
package log

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide logger. Replace it at startup (see InitLogger)
// before starting any component.
var Logger = log.NewNopLogger()

// InitLogger builds a logfmt logger at the given level and installs it as
// the package-level Logger.
func InitLogger(lvl string) {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(4))

	var filter level.Option
	switch lvl {
	case "debug":
		filter = level.AllowDebug()
	case "warn":
		filter = level.AllowWarn()
	case "error":
		filter = level.AllowError()
	default:
		filter = level.AllowInfo()
	}

	Logger = level.NewFilter(l, filter)
}
