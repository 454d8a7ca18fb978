package observability

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const tracerName = "trade-nexus"

// tracingConfig is the env snapshot taken once at init.
type tracingConfig struct {
	exporter    string
	endpoint    string
	headers     map[string]string
	insecure    bool
	sampler     string
	ratio       float64
	environment string
}

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

func loadTracingConfig() tracingConfig {
	cfg := tracingConfig{
		exporter:    strings.ToLower(strings.TrimSpace(os.Getenv("TRADENEXUS_OTEL_EXPORTER"))),
		endpoint:    strings.TrimSpace(os.Getenv("TRADENEXUS_OTEL_ENDPOINT")),
		headers:     splitHeaderPairs(os.Getenv("TRADENEXUS_OTEL_HEADERS")),
		insecure:    envBool("TRADENEXUS_OTEL_INSECURE", true),
		sampler:     strings.ToLower(strings.TrimSpace(os.Getenv("TRADENEXUS_OTEL_SAMPLER"))),
		ratio:       envFloat("TRADENEXUS_OTEL_SAMPLER_RATIO", 1.0),
		environment: strings.TrimSpace(os.Getenv("TRADENEXUS_ENVIRONMENT")),
	}
	if cfg.ratio < 0 {
		cfg.ratio = 0
	}
	if cfg.ratio > 1 {
		cfg.ratio = 1
	}
	return cfg
}

// InitTracingFromEnv wires the process tracer provider. With no exporter
// configured it installs a no-op provider so StartSpan stays cheap.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		cfg := loadTracingConfig()
		if cfg.exporter == "" || cfg.exporter == "none" {
			otel.SetTracerProvider(trace.NewNoopTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, err := cfg.newExporter(context.Background())
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(service),
				attribute.String("nexus.environment", cfg.environment),
			),
		)
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(cfg.newSampler()),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func (c tracingConfig) newExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch c.exporter {
	case "otlp", "otlpgrpc", "grpc":
		endpoint := c.endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if len(c.headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(c.headers))
		}
		if c.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlphttp", "http":
		endpoint := c.endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if len(c.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(c.headers))
		}
		if c.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		// "stdout" and anything unrecognized.
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

func (c tracingConfig) newSampler() sdktrace.Sampler {
	switch c.sampler {
	case "always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "traceidratio", "ratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

func splitHeaderPairs(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}
