package pubsub

import (
	"os"
	"strconv"
)

// LoadTracingConfigFromEnv reads PUBSUB_TRACING_ENABLED,
// PUBSUB_TRACING_SERVICE_NAME and PUBSUB_TRACING_ZIPKIN_URL on top of the defaults.
func LoadTracingConfigFromEnv() TracingConfig {
	return TracingConfigFromLookup(os.LookupEnv)
}

// TracingConfigFromLookup is LoadTracingConfigFromEnv over any variable source.
// Unparsable booleans keep the default.
func TracingConfigFromLookup(lookup func(string) (string, bool)) TracingConfig {
	config := DefaultTracingConfig()

	if enabledStr, ok := lookup("PUBSUB_TRACING_ENABLED"); ok && enabledStr != "" {
		if enabled, err := strconv.ParseBool(enabledStr); err == nil {
			config.Enabled = enabled
		}
	}
	if serviceName, ok := lookup("PUBSUB_TRACING_SERVICE_NAME"); ok && serviceName != "" {
		config.ServiceName = serviceName
	}
	if zipkinURL, ok := lookup("PUBSUB_TRACING_ZIPKIN_URL"); ok && zipkinURL != "" {
		config.ZipkinURL = zipkinURL
	}
	return config
}
