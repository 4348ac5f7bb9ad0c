package statstore

import "testing"

func TestAppendEvictsOldestAtCapacity(t *testing.T) {
	s := New(2)
	s.Append(ActionRecord{Message: "a"})
	s.Append(ActionRecord{Message: "b"})
	s.Append(ActionRecord{Message: "c"})
	hist := s.History(nil, 0)
	if len(hist) != 2 {
		t.Fatalf("History() len = %d, want 2", len(hist))
	}
	if hist[0].Message != "b" || hist[1].Message != "c" {
		t.Fatalf("History() = %+v, want [b, c]", hist)
	}
}

func TestHistoryFiltersByKind(t *testing.T) {
	s := New(10)
	s.Append(ActionRecord{Kind: ActionIOThrottle})
	s.Append(ActionRecord{Kind: ActionPartitionReconfig})
	kind := ActionPartitionReconfig
	hist := s.History(&kind, 0)
	if len(hist) != 1 {
		t.Fatalf("History(filter) len = %d, want 1", len(hist))
	}
}

func TestStatsCountsSuccessAndFailurePerKind(t *testing.T) {
	s := New(10)
	s.Append(ActionRecord{Kind: ActionIOThrottle, Success: true})
	s.Append(ActionRecord{Kind: ActionIOThrottle, Success: false})
	s.Append(ActionRecord{Kind: ActionPartitionReconfig, Success: true})

	stats := s.Stats()
	if stats.Total != 3 || stats.SuccessTotal != 2 || stats.FailureTotal != 1 {
		t.Fatalf("Stats() = %+v, want Total=3 Success=2 Failure=1", stats)
	}
	if stats.ByKind[ActionIOThrottle].Success != 1 || stats.ByKind[ActionIOThrottle].Failure != 1 {
		t.Fatalf("ByKind[io_throttle] = %+v, want 1 success 1 failure", stats.ByKind[ActionIOThrottle])
	}
}
