package config

import (
	"fmt"
	"os"

	"github.com/commandmesh/platform/pkg/logger"
	"github.com/commandmesh/platform/pkg/tracing"
)

// SetupTracing initializes OpenTelemetry tracing for serviceName from
// the loaded Observability.Tracing config, or returns a nil *Tracer,
// nil error if tracing is disabled. The caller owns the returned
// Tracer's Shutdown, the same way it owns the DB and producer it also
// builds at startup - there's no implicit signal handler here.
func SetupTracing(cfg *Config, serviceName string, log *logger.Logger) (*tracing.Tracer, error) {
	if !cfg.Observability.Tracing.Enabled {
		return nil, nil
	}

	tracingCfg := tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: os.Getenv("SERVICE_VERSION"),
		Environment:    os.Getenv("ENVIRONMENT"),
		Endpoint:       cfg.Observability.Tracing.Endpoint,
	}

	tracer, err := tracing.New(tracingCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup tracing: %w", err)
	}

	return tracer, nil
}
