package tunnel

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/pzverkov/sealtunnel/internal/constants"
)

// Admission bounds the number of concurrently active clients. Acquisition
// never blocks: a full server rejects immediately.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int
	active   atomic.Int64
}

// NewAdmission creates an admission controller for capacity clients.
// A capacity below one means DefaultMaxActiveClients.
func NewAdmission(capacity int) *Admission {
	if capacity < 1 {
		capacity = constants.DefaultMaxActiveClients
	}
	return &Admission{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// TryAcquire takes a permit if one is free.
func (a *Admission) TryAcquire() (*Permit, bool) {
	if !a.sem.TryAcquire(1) {
		return nil, false
	}
	a.active.Add(1)
	return &Permit{admission: a}, true
}

// Active returns the number of permits currently held.
func (a *Admission) Active() int {
	return int(a.active.Load())
}

// Capacity returns the maximum number of permits.
func (a *Admission) Capacity() int {
	return a.capacity
}

// Permit is one admitted client slot.
type Permit struct {
	admission *Admission
	once      sync.Once
}

// Release returns the slot. Only the first call has an effect.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.admission.active.Add(-1)
		p.admission.sem.Release(1)
	})
}
