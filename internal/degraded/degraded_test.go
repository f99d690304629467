package degraded

import (
	"testing"
	"time"
)

func TestErrorRate_Empty(t *testing.T) {
	Reset()
	errs, total := ErrorRate(time.Minute)
	if errs != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 0)", errs, total)
	}
}

func TestErrorRate_CountsOutcomes(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordSuccess()
	RecordSuccess()
	RecordError()
	errs, total := ErrorRate(time.Minute)
	if errs != 1 || total != 4 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 4)", errs, total)
	}
}

func TestErrorRate_WindowExcludesOld(t *testing.T) {
	Reset()
	RecordError()
	RecordSuccess()
	// A 1ns window has already elapsed by the time we ask
	errs, total := ErrorRate(time.Nanosecond)
	if errs != 0 || total != 0 {
		t.Errorf("ErrorRate(1ns) = (%d, %d), want (0, 0)", errs, total)
	}
}

func TestReset_ClearsOutcomes(t *testing.T) {
	Reset()
	RecordError()
	RecordSuccess()
	Reset()
	errs, total := ErrorRate(time.Minute)
	if errs != 0 || total != 0 {
		t.Errorf("after Reset, ErrorRate() = (%d, %d), want (0, 0)", errs, total)
	}
}
