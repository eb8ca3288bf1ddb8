package kafkaledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/atvirokodosprendimai/ledgerdb/internal/core/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"leader moved", kafka.NotLeaderForPartition, false},
		{"request timed out", kafka.RequestTimedOut, false},
		{"unknown topic", kafka.UnknownTopicOrPartition, true},
		{"authorization", kafka.TopicAuthorizationFailed, true},
		{"too large", kafka.MessageSizeTooLarge, true},
		{"policy", kafka.PolicyViolation, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), false},
		{"eof", io.ErrUnexpectedEOF, false},
		{"other", errors.New("boom"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(fmt.Errorf("produce: %w", tc.err))
			if !errors.Is(err, domain.ErrLedgerSubmission) {
				t.Fatalf("expected ledger submission error, got %v", err)
			}
			if got := domain.IsPermanentLedgerError(err); got != tc.permanent {
				t.Fatalf("permanent = %v, want %v (%v)", got, tc.permanent, err)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("cause lost: %v", err)
			}
		})
	}
	if classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestOffsetsMapToSequences(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	d := toDelivery(kafka.Message{Offset: 0, Time: at, Value: []byte("v")})
	if d.Sequence != 1 || !d.Timestamp.Equal(at) || d.Timestamp.Location() != time.UTC {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(Config{}, nil); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := SplitBrokers(" a:9092, ,b:9092 "); len(got) != 2 || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := InjectTraceHeaders(ctx, []kafka.Header{{Key: "k", Value: []byte("v")}})
	if len(headers) != 2 {
		t.Fatalf("expected traceparent to be appended, got %+v", headers)
	}

	got := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), headers))
	if got.TraceID() != traceID || got.SpanID() != spanID {
		t.Fatalf("trace context lost: %+v", got)
	}
}
