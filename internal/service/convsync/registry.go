package convsync

import "sync"

// registry owns the nested message listeners, one per visible conversation.
//
// Every registration carries a generation so callbacks from a listener that
// was replaced or cancelled can be recognised and dropped. The epoch changes
// on every teardown; reservations made under an older epoch are refused.
type registry struct {
	mu      sync.Mutex
	epoch   uint64
	nextGen uint64
	subs    map[string]*registration
}

type registration struct {
	gen    uint64
	cancel func()
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*registration)}
}

// reset cancels everything and starts a new epoch.
func (r *registry) reset(epoch uint64) {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*registration)
	r.epoch = epoch
	r.mu.Unlock()

	for _, reg := range subs {
		if reg.cancel != nil {
			reg.cancel()
		}
	}
}

// reserve claims id for a new listener. It fails when id is already
// registered or the epoch has moved on.
func (r *registry) reserve(epoch uint64, id string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.epoch != epoch {
		return 0, false
	}
	if _, ok := r.subs[id]; ok {
		return 0, false
	}
	r.nextGen++
	gen := r.nextGen
	r.subs[id] = &registration{gen: gen}
	return gen, true
}

// attach stores the cancel func for a reservation. When the reservation is
// gone the listener is cancelled straight away.
func (r *registry) attach(id string, gen uint64, cancel func()) {
	r.mu.Lock()
	reg, ok := r.subs[id]
	if ok && reg.gen == gen {
		reg.cancel = cancel
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	cancel()
}

// release drops a reservation whose subscribe call failed.
func (r *registry) release(id string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.subs[id]; ok && reg.gen == gen {
		delete(r.subs, id)
	}
}

// retain cancels every listener whose id is not in keep.
func (r *registry) retain(epoch uint64, keep map[string]struct{}) {
	var stale []func()

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	for id, reg := range r.subs {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(r.subs, id)
		if reg.cancel != nil {
			stale = append(stale, reg.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range stale {
		cancel()
	}
}

func (r *registry) current(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.subs[id]
	return ok && reg.gen == gen
}

func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	return ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
