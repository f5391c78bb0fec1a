package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-market-backend/internal/config"
)

func preserveOTelGlobals(t *testing.T) func() {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	return func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	}
}

func enabledConfig(name string) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: name,
		SampleRatio: 1,
		Environment: "test",
	}
}

func TestSetupOTel_DisabledIsNoOp(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()
	prevTP := otel.GetTracerProvider()

	cfg := enabledConfig("market")
	cfg.Enabled = false
	shutdown, err := SetupOTel(context.Background(), cfg, "v0")
	if err != nil || shutdown == nil {
		t.Fatalf("SetupOTel disabled: nil shutdown=%v, err=%v", shutdown == nil, err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("disabled setup replaced the tracer provider")
	}
}

func TestSetupOTel_InstallsProviderAndPropagator(t *testing.T) {
	for _, insecure := range []bool{true, false} {
		restore := preserveOTelGlobals(t)

		cfg := enabledConfig("market")
		cfg.Insecure = insecure
		shutdown, err := SetupOTel(context.Background(), cfg, "v1.2.3")
		if err != nil {
			t.Fatalf("insecure=%v: %v", insecure, err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
			t.Fatalf("insecure=%v: expected *sdktrace.TracerProvider", insecure)
		}

		// A sampled span must survive an inject/extract round trip so the
		// trace follows a deal event across the NATS hop.
		ctx, span := otel.Tracer("services/deals").Start(context.Background(), "Deal.Transition",
			trace.WithSpanKind(trace.SpanKindInternal))
		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		span.End()
		if carrier.Get("traceparent") == "" {
			t.Fatalf("insecure=%v: traceparent not injected", insecure)
		}
		got := trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), carrier))
		if got.TraceID() != span.SpanContext().TraceID() {
			t.Fatalf("insecure=%v: trace id lost in propagation", insecure)
		}

		sctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		_ = shutdown(sctx)
		cancel()
		restore()
	}
}

func TestSetupOTel_CanceledContextStillSucceeds(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the gRPC client connects lazily

	shutdown, err := SetupOTel(ctx, enabledConfig("market"), "v1")
	if err != nil {
		t.Fatalf("SetupOTel with canceled ctx: %v", err)
	}
	sctx, done := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer done()
	if err := shutdown(sctx); err != nil {
		t.Fatalf("shutdown with no spans: %v", err)
	}
}

func TestSetupOTel_FailuresLeaveGlobalsIntact(t *testing.T) {
	origExp, origRes := newOTLPExporterFn, newServiceResourceFn
	defer func() { newOTLPExporterFn, newServiceResourceFn = origExp, origRes }()

	cases := []struct {
		name  string
		patch func()
	}{
		{"exporter", func() {
			newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
				return nil, errors.New("boom-exporter")
			}
		}},
		{"resource", func() {
			newServiceResourceFn = func(context.Context, config.OTELConfig, string) (*resource.Resource, error) {
				return nil, errors.New("boom-resource")
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			restore := preserveOTelGlobals(t)
			defer restore()
			newOTLPExporterFn, newServiceResourceFn = origExp, origRes
			tc.patch()

			prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
			if _, err := SetupOTel(context.Background(), enabledConfig("market"), "v0"); err == nil {
				t.Fatalf("expected error")
			}
			if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
				t.Fatalf("globals changed on failure")
			}
		})
	}
}

func TestSampler_RatioEdges(t *testing.T) {
	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "Deal.Transition",
	}
	cases := []struct {
		ratio float64
		want  sdktrace.SamplingDecision
	}{
		{1, sdktrace.RecordAndSample},
		{1.5, sdktrace.RecordAndSample},
		{0, sdktrace.Drop},
		{-1, sdktrace.Drop},
	}
	for _, tc := range cases {
		if got := sampler(tc.ratio).ShouldSample(params).Decision; got != tc.want {
			t.Fatalf("ratio %v: decision=%v want %v", tc.ratio, got, tc.want)
		}
	}
	if d := sampler(0.5).Description(); d == "" {
		t.Fatalf("empty sampler description")
	}
}

func TestInstanceID_FallsBackToUUID(t *testing.T) {
	orig := hostname
	defer func() { hostname = orig }()

	hostname = func() (string, error) { return "market-api-1", nil }
	if got := instanceID(); got != "market-api-1" {
		t.Fatalf("instanceID=%q", got)
	}

	hostname = func() (string, error) { return "", errors.New("no host") }
	a, b := instanceID(), instanceID()
	if len(a) != 36 || a == b {
		t.Fatalf("expected distinct uuids, got %q and %q", a, b)
	}
}

func TestServiceResource_CarriesDeployment(t *testing.T) {
	res, err := newServiceResourceFn(context.Background(), config.OTELConfig{
		ServiceName: "market",
		Environment: "staging",
	}, "v2.0.0")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[string]string{
		"service.name":           "market",
		"service.version":        "v2.0.0",
		"deployment.environment": "staging",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s=%q want %q (all: %v)", k, got[k], v, got)
		}
	}
	if got["service.instance.id"] == "" {
		t.Fatalf("missing service.instance.id")
	}
}
