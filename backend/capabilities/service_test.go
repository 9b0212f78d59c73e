package capabilities

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProbeReportsAvailableSources(t *testing.T) {
	svc := NewService(Dependencies{
		MetricsProbe: func(context.Context) error { return nil },
		SummaryProbe: func(context.Context) error { return errors.New("proxy refused") },
	})

	caps := svc.Probe(context.Background())
	if !caps.MetricsAPI {
		t.Fatal("expected metrics API to be available")
	}
	if caps.SummaryAPI {
		t.Fatal("expected summary API to be unavailable")
	}
}

func TestProbeCachesWithinTTL(t *testing.T) {
	var calls int
	now := time.Now()

	svc := NewService(Dependencies{
		ProbeTTL: time.Minute,
		Now:      func() time.Time { return now },
		MetricsProbe: func(context.Context) error {
			calls++
			return nil
		},
		SummaryProbe: func(context.Context) error { return nil },
	})

	svc.Probe(context.Background())
	svc.Probe(context.Background())
	if calls != 1 {
		t.Fatalf("expected 1 probe within TTL, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	svc.Probe(context.Background())
	if calls != 2 {
		t.Fatalf("expected re-probe after TTL, got %d calls", calls)
	}
}

func TestInvalidateForcesReprobe(t *testing.T) {
	var calls int

	svc := NewService(Dependencies{
		ProbeTTL:     time.Hour,
		MetricsProbe: func(context.Context) error { calls++; return nil },
		SummaryProbe: func(context.Context) error { return nil },
	})

	svc.Probe(context.Background())
	svc.Invalidate()
	svc.Probe(context.Background())
	if calls != 2 {
		t.Fatalf("expected invalidate to force a re-probe, got %d calls", calls)
	}
}

func TestProbeWithoutClientReportsNothing(t *testing.T) {
	svc := NewService(Dependencies{})

	caps := svc.Probe(context.Background())
	if caps.MetricsAPI || caps.SummaryAPI {
		t.Fatalf("expected no capabilities without a client, got %+v", caps)
	}
}
