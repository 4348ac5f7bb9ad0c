package ring

import (
	"testing"
	"time"
)

func TestAppendEvictsOldest(t *testing.T) {
	b := New(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		b.Append(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), ValueMS: float64(i)})
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
	got := b.All()
	want := []float64{2, 3, 4}
	for i, s := range got {
		if s.ValueMS != want[i] {
			t.Fatalf("All()[%d].ValueMS = %v, want %v", i, s.ValueMS, want[i])
		}
	}
}

func TestLatestFewerThanCapacity(t *testing.T) {
	b := New(10)
	b.Append(Sample{ValueMS: 1})
	b.Append(Sample{ValueMS: 2})
	latest := b.Latest(3)
	if len(latest) != 2 {
		t.Fatalf("Latest(3) returned %d samples, want 2", len(latest))
	}
}

func TestMeanOfLastThree(t *testing.T) {
	b := New(10)
	for _, v := range []float64{10, 20, 30, 40} {
		b.Append(Sample{ValueMS: v})
	}
	mean := b.Mean(3)
	want := (20.0 + 30.0 + 40.0) / 3.0
	if mean != want {
		t.Fatalf("Mean(3) = %v, want %v", mean, want)
	}
}

func TestMeanEmpty(t *testing.T) {
	b := New(5)
	if got := b.Mean(3); got != 0 {
		t.Fatalf("Mean(3) on empty buffer = %v, want 0", got)
	}
}
