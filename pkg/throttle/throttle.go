// Package throttle implements ingest rate limiting: a token bucket charged
// by every non-priority write's (key_len + value_len), periodically
// retuned from scheduler/compaction pressure sensors. Grounded on the
// token-bucket request/delay split in original_source's ikdb_tb (tbkt_request
// returns a suggested sleep, tbkt_delay performs it) and built on
// golang.org/x/time/rate.
package throttle

import (
	"sync"
	"time"

	"github.com/victorstewart/kvdb/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sensor identifies a pressure source that feeds back into the throttle's
// target rate, mirroring THROTTLE_SENSOR_CSCHED / THROTTLE_SENSOR_C0SK.
// original_source models a third, explicit c0sk sensor alongside cn/csched;
// here it is folded into SensorStaging rather than tracked separately,
// since both report the same staging-layer backlog in this engine's
// simplified storage model. The worst-sensor-wins fold across whatever
// sensors are registered is otherwise unchanged.
type Sensor int

const (
	SensorCompaction Sensor = iota
	SensorStaging
)

// Config configures a Throttle's initial byte-rate and burst.
type Config struct {
	BytesPerSec float64
	Burst       int
	// MinBytesPerSec/MaxBytesPerSec bound what Retune may move the rate to.
	MinBytesPerSec float64
	MaxBytesPerSec float64
}

// DefaultConfig is a permissive default: generous burst, wide retune range.
func DefaultConfig() Config {
	return Config{
		BytesPerSec:    256 << 20, // 256 MiB/s
		Burst:          32 << 20,  // 32 MiB
		MinBytesPerSec: 1 << 20,
		MaxBytesPerSec: 1 << 30,
	}
}

// Throttle is the database-wide ingest token bucket.
type Throttle struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	cfg      Config
	enabled  bool
	sensors  [2]float64 // last reported [0,100] pressure per Sensor
	logger   zerolog.Logger
}

// New constructs an enabled Throttle from cfg.
func New(cfg Config) *Throttle {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.BytesPerSec)
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(cfg.BytesPerSec), cfg.Burst),
		cfg:     cfg,
		enabled: true,
		logger:  log.WithComponent("throttle"),
	}
}

// Request charges n bytes against the bucket and returns how long the
// caller should sleep before proceeding. priority writes and a disabled
// throttle always return zero delay, matching the PRIORITY-flag bypass.
func (t *Throttle) Request(n int, priority bool) time.Duration {
	t.mu.Lock()
	enabled := t.enabled
	limiter := t.limiter
	t.mu.Unlock()

	if priority || !enabled || n <= 0 {
		return 0
	}

	r := limiter.ReserveN(time.Now(), n)
	if !r.OK() {
		// n exceeds the bucket's burst capacity outright; never block a
		// write forever on an unsatisfiable reservation — let it through.
		return 0
	}
	return r.Delay()
}

// Delay sleeps for d, the convenience pairing of Request+Delay mirroring
// tbkt_request/tbkt_delay.
func (t *Throttle) Delay(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// SetEnabled turns throttling on or off database-wide.
func (t *Throttle) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

// Enabled reports whether throttling is currently active.
func (t *Throttle) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// ReportSensor records a [0,100] pressure reading from a scheduler or
// staging-layer sensor, to be folded into the next Retune.
func (t *Throttle) ReportSensor(s Sensor, pressure float64) {
	if pressure < 0 {
		pressure = 0
	}
	if pressure > 100 {
		pressure = 100
	}
	t.mu.Lock()
	t.sensors[s] = pressure
	t.mu.Unlock()
}

// Retune recomputes the bucket's rate from the worst (highest-pressure)
// sensor reading: 0 pressure keeps MaxBytesPerSec, 100 pressure clamps to
// MinBytesPerSec, linear in between. Intended to be called once per
// throttle-update loop tick (10ms cadence per spec §4.F/G).
func (t *Throttle) Retune() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	worst := t.sensors[0]
	for _, s := range t.sensors[1:] {
		if s > worst {
			worst = s
		}
	}

	span := t.cfg.MaxBytesPerSec - t.cfg.MinBytesPerSec
	rateBps := t.cfg.MaxBytesPerSec - span*(worst/100)
	if rateBps < t.cfg.MinBytesPerSec {
		rateBps = t.cfg.MinBytesPerSec
	}
	t.limiter.SetLimit(rate.Limit(rateBps))
	return rateBps
}
