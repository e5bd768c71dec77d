package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	signupGrants      metric.Int64Counter
	paymentsApplied   metric.Int64Counter
	paymentsDuplicate metric.Int64Counter
	deductions        metric.Int64Counter
	deductionsDenied  metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "postloom"
	}
	meter := provider.Meter(name)

	signupGrants, err := meter.Int64Counter("postloom_signup_grants_total")
	if err != nil {
		return nil, err
	}
	paymentsApplied, err := meter.Int64Counter("postloom_payments_applied_total")
	if err != nil {
		return nil, err
	}
	paymentsDuplicate, err := meter.Int64Counter("postloom_payments_duplicate_total")
	if err != nil {
		return nil, err
	}
	deductions, err := meter.Int64Counter("postloom_credit_deductions_total")
	if err != nil {
		return nil, err
	}
	deductionsDenied, err := meter.Int64Counter("postloom_credit_deductions_denied_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("postloom_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("postloom_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		signupGrants:      signupGrants,
		paymentsApplied:   paymentsApplied,
		paymentsDuplicate: paymentsDuplicate,
		deductions:        deductions,
		deductionsDenied:  deductionsDenied,
		rateLimitAllowed:  rateLimitAllowed,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordSignupGrant increments signup grant counts.
func (m *Metrics) RecordSignupGrant(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.signupGrants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentApplied increments applied payment counts.
func (m *Metrics) RecordPaymentApplied(ctx context.Context, planID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("plan_id", strings.TrimSpace(planID)))
	m.paymentsApplied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentDuplicate increments duplicate payment counts.
func (m *Metrics) RecordPaymentDuplicate(ctx context.Context, planID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("plan_id", strings.TrimSpace(planID)))
	m.paymentsDuplicate.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeduction increments successful deduction counts.
func (m *Metrics) RecordDeduction(ctx context.Context, feature string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature", strings.TrimSpace(feature)))
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeductionDenied increments rejected deduction counts.
func (m *Metrics) RecordDeductionDenied(ctx context.Context, feature, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.deductionsDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"outcome":     {},
	"plan_id":     {},
	"feature":     {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
