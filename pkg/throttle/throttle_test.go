package throttle

import (
	"testing"
	"time"
)

func TestPriorityRequestBypassesThrottle(t *testing.T) {
	th := New(Config{BytesPerSec: 1, Burst: 1, MinBytesPerSec: 1, MaxBytesPerSec: 1})
	if d := th.Request(1<<20, true); d != 0 {
		t.Fatalf("priority Request() delay = %v, want 0", d)
	}
}

func TestDisabledThrottleNeverDelays(t *testing.T) {
	th := New(Config{BytesPerSec: 1, Burst: 1, MinBytesPerSec: 1, MaxBytesPerSec: 1})
	th.SetEnabled(false)
	if d := th.Request(1<<20, false); d != 0 {
		t.Fatalf("disabled Request() delay = %v, want 0", d)
	}
}

func TestRequestWithinBurstHasNoDelay(t *testing.T) {
	th := New(DefaultConfig())
	if d := th.Request(1024, false); d != 0 {
		t.Fatalf("small Request() delay = %v, want 0", d)
	}
}

func TestRequestExceedingRateEventuallyDelays(t *testing.T) {
	th := New(Config{BytesPerSec: 100, Burst: 100, MinBytesPerSec: 100, MaxBytesPerSec: 100})
	_ = th.Request(100, false)
	d := th.Request(100, false)
	if d <= 0 {
		t.Fatalf("Request() after exhausting burst delay = %v, want > 0", d)
	}
}

func TestRequestOverBurstNeverBlocksForever(t *testing.T) {
	th := New(Config{BytesPerSec: 10, Burst: 10, MinBytesPerSec: 10, MaxBytesPerSec: 10})
	if d := th.Request(1 << 30, false); d != 0 {
		t.Fatalf("Request() exceeding burst capacity = %v, want 0 (let through rather than block forever)", d)
	}
}

func TestRetuneScalesWithWorstSensor(t *testing.T) {
	th := New(Config{BytesPerSec: 1000, Burst: 1000, MinBytesPerSec: 100, MaxBytesPerSec: 1000})
	th.ReportSensor(SensorCompaction, 0)
	th.ReportSensor(SensorStaging, 0)
	if got := th.Retune(); got != 1000 {
		t.Fatalf("Retune() with zero pressure = %v, want max 1000", got)
	}

	th.ReportSensor(SensorStaging, 100)
	if got := th.Retune(); got != 100 {
		t.Fatalf("Retune() with max pressure = %v, want min 100", got)
	}
}

func TestDelaySleepsForGivenDuration(t *testing.T) {
	th := New(DefaultConfig())
	start := time.Now()
	th.Delay(10 * time.Millisecond)
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("Delay() returned after %v, want >= 10ms", elapsed)
	}
}
