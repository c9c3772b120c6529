package observe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type ProviderConfig struct {
	// ServiceName is reported in target_info. Default: "voxscribe".
	ServiceName    string
	ServiceVersion string

	// TextfilePath receives the Prometheus text exposition on Shutdown, in
	// the format read by node_exporter's textfile collector. Empty disables
	// the write.
	TextfilePath string
}

// Provider is an SDK meter provider bridged into a private Prometheus
// registry. It is not installed globally.
type Provider struct {
	mp       *sdkmetric.MeterProvider
	registry *prometheus.Registry
	path     string
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxscribe"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build metrics resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	return &Provider{
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		),
		registry: registry,
		path:     cfg.TextfilePath,
	}, nil
}

func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.mp
}

// Gatherer exposes the registry, e.g. for a /metrics handler.
func (p *Provider) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Shutdown writes the textfile, if configured, and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.path != "" {
		if err := p.writeTextfile(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Provider) writeTextfile() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(p.path, p.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", p.path, err)
	}
	return nil
}
