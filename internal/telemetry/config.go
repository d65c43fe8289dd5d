package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/crmstore/internal/config"
)

// Export protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	Protocol       string `koanf:"protocol"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	// Insecure disables TLS. Only allowed for loopback endpoints.
	Insecure      bool `koanf:"insecure"`
	TLSSkipVerify bool `koanf:"tls_skip_verify"`
	// SampleRate is the fraction of root traces kept, 0 to 1.
	SampleRate      float64         `koanf:"sample_rate"`
	Metrics         MetricsConfig   `koanf:"metrics"`
	ShutdownTimeout config.Duration `koanf:"shutdown_timeout"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	Enabled        bool            `koanf:"enabled"`
	ExportInterval config.Duration `koanf:"export_interval"`
}

// NewDefaultConfig returns the defaults. Export is off until an operator
// points it at a collector.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       ProtocolGRPC,
		ServiceName:    "crmstore",
		ServiceVersion: "dev",
		Insecure:       true,
		SampleRate:     1.0,
		Metrics: MetricsConfig{
			Enabled:        true,
			ExportInterval: config.Duration(15 * time.Second),
		},
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// Validate checks configuration for errors. A disabled config is always
// valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return errors.New("service_name is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP:
	default:
		return fmt.Errorf("unknown protocol %q (want %s or %s)", c.Protocol, ProtocolGRPC, ProtocolHTTP)
	}
	if c.Insecure && !c.isLocalEndpoint() {
		return errors.New("insecure connections to remote endpoints are not allowed; set insecure=false or use a loopback endpoint")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.Metrics.Enabled && c.Metrics.ExportInterval.Duration() <= 0 {
		return errors.New("metrics.export_interval must be positive when metrics are enabled")
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}

func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stripScheme removes http:// or https://; the exporters want host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
