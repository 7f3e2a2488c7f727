package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsCountByLabel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Claim("claimed")
	c.Claim("claimed")
	c.Claim("none")
	c.Completion("FAILED")

	if got := testutil.ToFloat64(c.Claims.WithLabelValues("claimed")); got != 2 {
		t.Fatalf("expected 2 claimed, got %v", got)
	}
	if got := testutil.ToFloat64(c.Completions.WithLabelValues("FAILED")); got != 1 {
		t.Fatalf("expected 1 failed completion, got %v", got)
	}
}

func TestSetWorkersReplacesPreviousCounts(t *testing.T) {
	t.Parallel()

	c := New(nil)
	c.SetWorkers(map[string]int{"chrome": 2, "firefox": 1})
	c.SetWorkers(map[string]int{"chrome": 1})

	if got := testutil.CollectAndCount(c.WorkersConnected); got != 1 {
		t.Fatalf("expected one series after reset, got %d", got)
	}
	if got := testutil.ToFloat64(c.WorkersConnected.WithLabelValues("chrome")); got != 1 {
		t.Fatalf("expected chrome gauge 1, got %v", got)
	}
}

func TestNilCollectorsAreNoop(t *testing.T) {
	t.Parallel()

	var c *Collectors
	c.JobCreated()
	c.Claim("claimed")
	c.SetWorkers(map[string]int{"chrome": 1})
}
