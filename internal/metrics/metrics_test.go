package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Requests.WithLabelValues("create_session", OutcomeOK).Inc()
	m.Commands.WithLabelValues("send_message", OutcomeError).Add(2)
	m.UnmatchedReplies.Inc()

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("create_session", OutcomeOK)); got != 1 {
		t.Fatalf("requests: got %v", got)
	}
	if got := testutil.ToFloat64(m.Commands.WithLabelValues("send_message", OutcomeError)); got != 2 {
		t.Fatalf("commands: got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"chatrelay_gateway_requests_total",
		"chatrelay_gateway_unmatched_replies_total",
		"chatrelay_worker_commands_total",
	} {
		if !names[want] {
			t.Errorf("missing %s in %v", want, names)
		}
	}
}

func TestNewWithoutRegistry(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.ReplayHits.Inc()
	if testutil.ToFloat64(b.ReplayHits) != 0 {
		t.Fatal("unregistered metrics should be independent")
	}
}
