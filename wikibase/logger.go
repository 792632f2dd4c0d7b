package wikibase

import (
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-wikibase/internal/logging"
)

// Default logger
var pluginLogger hclog.Logger

// SetLogger sets the global logger for the wikibase package
func SetLogger(logger hclog.Logger) {
	pluginLogger = logger
}

// GetLogger returns the global logger for the wikibase package
func GetLogger() hclog.Logger {
	if pluginLogger == nil {
		// Initialize with the bare logger for clean output with no prefixes
		pluginLogger = logging.SetupBareLogger()
	}
	return pluginLogger
}
