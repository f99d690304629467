package traffic

import (
	"testing"
	"time"
)

func TestRequestCount_Empty(t *testing.T) {
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

func TestRecordSuccess_CountsInWindow(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordSuccess()
	RecordSuccess()
	if n := RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
}

// Denials count toward total traffic but not toward the error rate.
func TestRecordDenied_CountsSplit(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordDenied()
	RecordDenied()
	if n := DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
	if n := RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
	errs, total := ErrorRate(time.Minute)
	if errs != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errs, total)
	}
}

func TestErrorRate_MixedOutcomes(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordSuccess()
	RecordError()
	errs, total := ErrorRate(time.Minute)
	if errs != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errs, total)
	}
}

// Synthetic load injection feeds the same counters as real traffic.
func TestRecordN_SharedDenominator(t *testing.T) {
	Reset()
	RecordSuccessN(39)
	RecordErrorN(1)
	errs, total := ErrorRate(time.Minute)
	if errs != 1 || total != 40 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 40)", errs, total)
	}
	if n := RequestCount(time.Minute); n != 40 {
		t.Errorf("RequestCount() = %d, want 40", n)
	}
}

func TestRecordN_NonPositiveIgnored(t *testing.T) {
	Reset()
	RecordSuccessN(0)
	RecordErrorN(-5)
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

func TestReset_ClearsEverything(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordError()
	RecordDenied()
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
	if n := DenialCount(time.Minute); n != 0 {
		t.Errorf("DenialCount() = %d, want 0", n)
	}
	errs, total := ErrorRate(time.Minute)
	if errs != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 0)", errs, total)
	}
}

// A negative window excludes everything already recorded.
func TestTracker_NegativeWindowExcludesAll(t *testing.T) {
	var tr Tracker
	tr.RecordSuccess()
	if n := tr.RequestCount(time.Minute); n != 1 {
		t.Errorf("RequestCount() = %d, want 1", n)
	}
	if n := tr.RequestCount(-time.Second); n != 0 {
		t.Errorf("RequestCount(negative window) = %d, want 0", n)
	}
}
