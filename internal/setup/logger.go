package setup

import (
	"log/slog"

	"github.com/cochaviz/stage4/internal/logging"
)

var packageLogger *slog.Logger

// SetLogger sets the logger host checks report through. A nil logger
// restores the process default.
func SetLogger(logger *slog.Logger) {
	packageLogger = logger
}

func getLogger() *slog.Logger {
	return logging.Ensure(packageLogger).With("component", "setup")
}
