package obs

import (
	"context"
	"crypto/tls"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const (
	defaultOTLPEndpoint = "localhost:4317"
	collectorDialWindow = 10 * time.Second
)

// newOTLPExporter connects to the configured collector, preferring gRPC and
// falling back to the OTLP/HTTP transport when the gRPC dial fails (some
// collectors only expose the HTTP listener).
func newOTLPExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = defaultOTLPEndpoint
	}

	ctx, cancel := context.WithTimeout(ctx, collectorDialWindow)
	defer cancel()

	exporter, grpcErr := otlptracegrpc.New(ctx, grpcExporterOptions(endpoint, opts.Insecure)...)
	if grpcErr == nil {
		return exporter, nil
	}

	httpExporter, httpErr := otlptracehttp.New(ctx, httpExporterOptions(endpoint, opts.Insecure)...)
	if httpErr != nil {
		return nil, grpcErr
	}
	return httpExporter, nil
}

func grpcExporterOptions(endpoint string, insecure bool) []otlptracegrpc.Option {
	out := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	}
	if insecure {
		return append(out, otlptracegrpc.WithInsecure())
	}
	return append(out, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
}

func httpExporterOptions(endpoint string, insecure bool) []otlptracehttp.Option {
	out := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		out = append(out, otlptracehttp.WithInsecure())
	}
	return out
}
