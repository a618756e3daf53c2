// Package tracing provides shared OTel tracer setup for the agent coordination
// layer: ACP calls, adapter callbacks and the HTTP surface.
//
// Spans are exported only after Init is called with a non-empty endpoint.
// Until then every tracer is a no-op.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/unforced/thinking-space/internal/common/config"
)

var (
	mu          sync.RWMutex
	provider    trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider *sdktrace.TracerProvider
)

// Init installs an OTLP/HTTP exporter for cfg.Endpoint. It returns false when
// the endpoint is empty and tracing stays disabled. Calling Init again replaces
// the previous provider without flushing it; call Shutdown first.
func Init(ctx context.Context, cfg config.TracingConfig) (bool, error) {
	if cfg.Endpoint == "" {
		return false, nil
	}

	host, insecure, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return false, err
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return false, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	mu.Lock()
	sdkProvider = tp
	provider = tp
	mu.Unlock()
	otel.SetTracerProvider(tp)
	return true, nil
}

// parseEndpoint splits an endpoint into the host:port otlptracehttp expects
// and whether TLS should be skipped. Bare host:port values are plain HTTP.
func parseEndpoint(endpoint string) (host string, insecure bool, err error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		// url.Parse reads "localhost:4318" as scheme "localhost".
		return endpoint, true, nil
	}
	switch u.Scheme {
	case "http":
		return u.Host, true, nil
	case "https":
		return u.Host, false, nil
	default:
		return "", false, fmt.Errorf("unsupported tracing endpoint scheme %q", u.Scheme)
	}
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans and reverts to the no-op provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := sdkProvider
	sdkProvider = nil
	provider = noop.NewTracerProvider()
	mu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
