package topology

import (
	"context"
	"math"
	"testing"
)

type stubRunner struct {
	outputs map[string]string
}

func (s stubRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return []byte(s.outputs[name]), nil
}

const sampleBusTree = `-[0000:00]-+-00.0
           +-01.0-[01]--+-00.0  PCI bridge
           |            \-01.0  PCI bridge
           \-1f.3  00:1f.3 VGA compatible controller: Vendor GPU
`

func TestParseBusTreeClassifiesGPU(t *testing.T) {
	m := New(stubRunner{})
	m.parseBusTree(sampleBusTree)
	found := false
	for _, n := range m.busNodes {
		if n.Kind == BusNodeGPU {
			found = true
		}
	}
	if !found {
		t.Fatal("expected at least one GPU node classified from bus tree")
	}
}

func TestParseHWLocAssignsCurrentNUMA(t *testing.T) {
	out := `NUMANode L#0 (P#0 32GB)
  PCIBridge
    00:1f.3 VGA compatible controller
NUMANode L#1 (P#1 32GB)
  PCIBridge
    00:2f.3 VGA compatible controller
`
	got := parseHWLoc(out)
	if got["00:1f.3"] != 0 {
		t.Errorf("NUMA for 00:1f.3 = %d, want 0", got["00:1f.3"])
	}
	if got["00:2f.3"] != 1 {
		t.Errorf("NUMA for 00:2f.3 = %d, want 1", got["00:2f.3"])
	}
}

func TestDiscoverFallbackWhenToolsFail(t *testing.T) {
	m := New(failRunner{})
	m.Discover(context.Background())
	devices := m.ListDevices()
	if len(devices) != 2 {
		t.Fatalf("fallback topology device count = %d, want 2", len(devices))
	}
}

type failRunner struct{}

func (failRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, errNotFound
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "tool not found" }

func TestAffinityPenaltySelfIsZero(t *testing.T) {
	m := New(failRunner{})
	m.Discover(context.Background())
	devices := m.ListDevices()
	if len(devices) == 0 {
		t.Fatal("expected fallback devices")
	}
	if got := m.AffinityPenalty(devices[0], devices[0], 2.0, 1.5); got != 0 {
		t.Errorf("AffinityPenalty(x, x) = %v, want 0", got)
	}
}

func TestAffinityPenaltySymmetric(t *testing.T) {
	m := New(failRunner{})
	m.Discover(context.Background())
	devices := m.ListDevices()
	if len(devices) < 2 {
		t.Fatal("expected at least two fallback devices")
	}
	ab := m.AffinityPenalty(devices[0], devices[1], 2.0, 1.5)
	ba := m.AffinityPenalty(devices[1], devices[0], 2.0, 1.5)
	if ab != ba {
		t.Errorf("AffinityPenalty not symmetric: %v vs %v", ab, ba)
	}
}

func TestAffinityPenaltyUnknownDeviceIsInf(t *testing.T) {
	m := New(failRunner{})
	m.Discover(context.Background())
	got := m.AffinityPenalty("unknown-a", "unknown-b", 2.0, 1.5)
	if !math.IsInf(got, 1) {
		t.Errorf("AffinityPenalty(unknown) = %v, want +Inf", got)
	}
}

func TestCommonPrefixLen(t *testing.T) {
	cases := []struct {
		a, b []string
		want int
	}{
		{[]string{"a", "b", "c"}, []string{"a", "b", "d"}, 2},
		{[]string{"a"}, []string{"b"}, 0},
		{[]string{"a", "b"}, []string{"a", "b"}, 2},
		{nil, []string{"a"}, 0},
	}
	for _, c := range cases {
		if got := commonPrefixLen(c.a, c.b); got != c.want {
			t.Errorf("commonPrefixLen(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
