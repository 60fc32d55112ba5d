// Package health keeps the coordinator's view of worker liveness. Workers
// become live on their first heartbeat and expire once no heartbeat has
// arrived for the configured expiry. Expiry is evaluated on read against an
// injected clock; nothing is stored for the expired state.
package health

import (
	"sort"
	"sync"
	"time"

	"bookkeeper/pkg/types"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type record struct {
	mu       sync.Mutex
	lastSeen time.Time
	status   types.HeartbeatStatus
	removed  bool
}

type Tracker struct {
	expiry  time.Duration
	clock   clockwork.Clock
	logger  *zap.Logger
	workers sync.Map // hostname -> *record
}

func NewTracker(expiry time.Duration, clock clockwork.Clock, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{expiry: expiry, clock: clock, logger: logger}
}

// HandleHeartbeat records a heartbeat. It never fails; lastSeen only moves
// forward so a delayed heartbeat cannot make a worker look older.
func (t *Tracker) HandleHeartbeat(hostname string, status types.HeartbeatStatus) {
	if hostname == "" {
		t.logger.Warn("Ignoring heartbeat without hostname")
		return
	}

	now := t.clock.Now()
	for {
		v, loaded := t.workers.LoadOrStore(hostname, &record{lastSeen: now, status: status})
		if !loaded {
			t.logger.Info("Worker joined", zap.String("hostname", hostname))
			return
		}

		rec := v.(*record)
		rec.mu.Lock()
		if rec.removed {
			// lost a race with prune; store a fresh record
			rec.mu.Unlock()
			continue
		}
		if now.After(rec.lastSeen) {
			rec.lastSeen = now
		}
		rec.status = status
		rec.mu.Unlock()
		return
	}
}

func (t *Tracker) expiredAt(lastSeen, now time.Time) bool {
	return now.Sub(lastSeen) >= t.expiry
}

// Workers returns the live workers sorted by hostname. Expired records are
// pruned on the way.
func (t *Tracker) Workers() []types.WorkerHealth {
	now := t.clock.Now()
	var live []types.WorkerHealth

	t.workers.Range(func(k, v interface{}) bool {
		rec := v.(*record)
		rec.mu.Lock()
		lastSeen, status := rec.lastSeen, rec.status
		rec.mu.Unlock()

		if t.expiredAt(lastSeen, now) {
			t.prune(k.(string), rec, now)
			return true
		}
		live = append(live, types.WorkerHealth{Hostname: k.(string), LastSeen: lastSeen, Status: status})
		return true
	})

	sort.Slice(live, func(i, j int) bool { return live[i].Hostname < live[j].Hostname })
	return live
}

// prune drops rec unless a heartbeat revived it after we looked.
func (t *Tracker) prune(hostname string, rec *record, now time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !t.expiredAt(rec.lastSeen, now) {
		return
	}
	rec.removed = true
	if t.workers.CompareAndDelete(hostname, rec) {
		t.logger.Info("Worker health status expired",
			zap.String("hostname", hostname),
			zap.Time("last_seen", rec.lastSeen))
	}
}

func (t *Tracker) count(match func(types.HeartbeatStatus) bool) int {
	n := 0
	for _, w := range t.Workers() {
		if match(w.Status) {
			n++
		}
	}
	return n
}

func (t *Tracker) LiveWorkers() int {
	return t.count(func(types.HeartbeatStatus) bool { return true })
}

func (t *Tracker) CachingValidatedWorkers() int {
	return t.count(func(s types.HeartbeatStatus) bool { return s.CachingValidated })
}

func (t *Tracker) FileValidatedWorkers() int {
	return t.count(func(s types.HeartbeatStatus) bool { return s.FileValidated })
}

// IsLive reports whether hostname has an unexpired heartbeat.
func (t *Tracker) IsLive(hostname string) bool {
	v, ok := t.workers.Load(hostname)
	if !ok {
		return false
	}
	rec := v.(*record)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return !t.expiredAt(rec.lastSeen, t.clock.Now())
}
