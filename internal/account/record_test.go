package account

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auctiond/internal/event"
)

type appendCounter struct{ n int }

func (c *appendCounter) Append(_ context.Context, events ...event.Event) error {
	c.n += len(events)
	return nil
}

func (c *appendCounter) Load(context.Context, string) ([]event.Event, error) { return nil, nil }

func TestRecord_EncodeFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	es := &appendCounter{}
	m := NewManager(nil, es, logger, noop.NewTracerProvider())

	m.record(context.Background(), "a1", event.AccountCharged, math.Inf(1))

	if es.n != 0 {
		t.Errorf("appended %d events, want none", es.n)
	}
	if !strings.Contains(buf.String(), "failed to encode event") || !strings.Contains(buf.String(), string(event.AccountCharged)) {
		t.Errorf("log = %q, want encode failure with event type", buf.String())
	}

	m.record(context.Background(), "a1", event.AccountCharged, event.AccountChangeData{Amount: 5})
	if es.n != 1 {
		t.Errorf("appended %d events, want 1", es.n)
	}
}
