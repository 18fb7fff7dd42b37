package observability

import (
	"testing"

	"github.com/smallbiznis/meterbill/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigNormalisesExporterSettings(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment:      "production",
		AppVersion:       "1.2.0",
		LogLevel:         "warn",
		LogFormat:        "text",
		TracingEnabled:   true,
		TraceSampleRatio: 4,
		OTLPEndpoint:     " collector:4318 ",
		OTLPProtocol:     "http/protobuf",
	})

	assert.Equal(t, "meterbill", cfg.ServiceName)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Equal(t, "collector:4318", cfg.OTLPEndpoint)
	assert.Equal(t, "http", cfg.OTLPProtocol)
	assert.False(t, cfg.Debug())

	dev := LoadConfig(config.Config{AppName: "meterbill-api", Environment: "local", TraceSampleRatio: -1})
	assert.Equal(t, "meterbill-api", dev.ServiceName)
	assert.Equal(t, "grpc", dev.OTLPProtocol)
	assert.Zero(t, dev.TraceSampleRatio)
	assert.True(t, dev.Debug())
}
