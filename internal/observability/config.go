package observability

import (
	"strings"

	"github.com/smallbiznis/meterbill/internal/config"
)

const defaultServiceName = "meterbill"

// Config is the observability view of the process configuration.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	TracingEnabled   bool
	TraceSampleRatio float64
	OTLPEndpoint     string
	OTLPProtocol     string
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	ratio := cfg.TraceSampleRatio
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}

	protocol := strings.TrimSpace(cfg.OTLPProtocol)
	if protocol == "http/protobuf" {
		protocol = "http"
	}
	if protocol != "http" {
		protocol = "grpc"
	}

	format := strings.TrimSpace(cfg.LogFormat)
	if format != "console" {
		format = "json"
	}

	return Config{
		ServiceName:      serviceName,
		Environment:      strings.TrimSpace(cfg.Environment),
		Version:          strings.TrimSpace(cfg.AppVersion),
		LogLevel:         strings.TrimSpace(cfg.LogLevel),
		LogFormat:        format,
		TracingEnabled:   cfg.TracingEnabled,
		TraceSampleRatio: ratio,
		OTLPEndpoint:     strings.TrimSpace(cfg.OTLPEndpoint),
		OTLPProtocol:     protocol,
	}
}

// Debug turns on caller stacks and the console encoder defaults for local runs.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
