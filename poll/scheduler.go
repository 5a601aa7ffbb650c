// Package poll drives the cyclic acquisition loop: tags are grouped by
// (driver, poll rate) and each group runs its own ticker goroutine, so one
// slow driver never delays another.
package poll

import (
	"math/rand"
	"sync"
	"time"

	"forgeio/logging"
	"forgeio/supervisor"
	"forgeio/tag"
)

// Sink receives every accepted poll result, successful or failed. The
// poll loop never blocks on a sink; delivery is the sink's problem.
type Sink interface {
	Offer(path string, v tag.Value)
}

// groupKey identifies one polling group.
type groupKey struct {
	driverID string
	rate     time.Duration
}

// group is the set of tags sharing a driver and poll rate, polled together
// in one batch by one worker.
type group struct {
	key     groupKey
	mu      sync.Mutex
	members map[string]string // path -> driver address
	stop    chan struct{}
}

func (g *group) snapshot() (paths []string, addresses []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for p, a := range g.members {
		paths = append(paths, p)
		addresses = append(addresses, a)
	}
	return paths, addresses
}

// Scheduler owns the polling groups and their workers.
type Scheduler struct {
	store  *tag.Store
	supers *supervisor.Registry
	sink   Sink // Optional; nil drops change notifications

	defaultRate time.Duration

	mu      sync.Mutex
	groups  map[groupKey]*group
	keyFor  map[string]groupKey // path -> owning group
	wg      sync.WaitGroup
	stopped bool
}

// NewScheduler creates a scheduler. defaultRate applies to tags registered
// without an explicit poll rate.
func NewScheduler(store *tag.Store, supers *supervisor.Registry, sink Sink, defaultRate time.Duration) *Scheduler {
	if defaultRate <= 0 {
		defaultRate = time.Second
	}
	return &Scheduler{
		store:       store,
		supers:      supers,
		sink:        sink,
		defaultRate: defaultRate,
		groups:      make(map[groupKey]*group),
		keyFor:      make(map[string]groupKey),
	}
}

// AddTag places a registered tag into its polling group, creating the
// group and its worker if this is the first member.
func (s *Scheduler) AddTag(path string) bool {
	t, ok := s.store.GetDetails(path)
	if !ok {
		return false
	}
	rate := t.PollRate
	if rate <= 0 {
		rate = s.defaultRate
	}
	key := groupKey{driverID: t.DriverID, rate: rate}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	g, exists := s.groups[key]
	if !exists {
		g = &group{
			key:     key,
			members: make(map[string]string),
			stop:    make(chan struct{}),
		}
		s.groups[key] = g
		s.wg.Add(1)
		go s.runGroup(g)
		logging.DebugLog("poll", "group %s@%v started", key.driverID, key.rate)
	}

	g.mu.Lock()
	g.members[path] = t.DriverAddress
	g.mu.Unlock()
	s.keyFor[path] = key
	return true
}

// RemoveTag takes a tag out of its group. The last member's removal stops
// the group's worker.
func (s *Scheduler) RemoveTag(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keyFor[path]
	if !ok {
		return false
	}
	delete(s.keyFor, path)

	g := s.groups[key]
	g.mu.Lock()
	delete(g.members, path)
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		delete(s.groups, key)
		close(g.stop)
		logging.DebugLog("poll", "group %s@%v stopped (last member removed)", key.driverID, key.rate)
	}
	return true
}

// GroupCount returns the number of live polling groups.
func (s *Scheduler) GroupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

// Stop halts every worker and waits for in-flight polls to finish. The
// scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	for key, g := range s.groups {
		close(g.stop)
		delete(s.groups, key)
	}
	s.keyFor = make(map[string]groupKey)
	s.mu.Unlock()

	s.wg.Wait()
	logging.DebugLog("poll", "scheduler stopped")
}

// runGroup is the per-group worker. Start is jittered within one period so
// groups sharing a rate don't fire in lockstep.
func (s *Scheduler) runGroup(g *group) {
	defer s.wg.Done()

	jitter := time.Duration(rand.Int63n(int64(g.key.rate)))
	select {
	case <-g.stop:
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(g.key.rate)
	defer ticker.Stop()

	s.pollGroup(g)
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			s.pollGroup(g)
		}
	}
}

// pollGroup performs one polling cycle for a group.
func (s *Scheduler) pollGroup(g *group) {
	paths, addresses := g.snapshot()
	if len(paths) == 0 {
		return
	}

	sup, ok := s.supers.Get(g.key.driverID)
	if !ok {
		return
	}

	state := sup.State()
	if !state.Ready() {
		if state == supervisor.StateDisconnected {
			sup.RequestConnect()
		}
		// Past the grace period the last known values can no longer be
		// trusted; flag them without attempting a read.
		if sup.DisconnectedFor() > sup.StaleAfter() {
			stale := tag.BadValue(tag.QualityStale)
			for _, p := range paths {
				s.record(p, stale)
			}
		}
		return
	}

	drv := sup.Driver()
	results, err := drv.ReadBatch(addresses)
	if err != nil {
		logging.DebugError("poll", "batch read "+g.key.driverID, err)
		sup.ReportFailure(err)
		bad := tag.BadValue(tag.QualityBad)
		for _, p := range paths {
			s.record(p, bad)
		}
		return
	}

	anyGood := false
	for _, res := range results {
		path, ok := s.store.FindPath(g.key.driverID, res.Address)
		if !ok {
			// Unregistered between snapshot and completion; drop it.
			continue
		}
		if res.Err != nil {
			s.record(path, tag.BadValue(tag.QualityBad))
			if drv.IsConnectionError(res.Err) {
				sup.ReportFailure(res.Err)
			}
			continue
		}
		anyGood = true
		s.record(path, tag.NewValue(res.Variant, tag.QualityGood))
	}
	if anyGood {
		sup.ReportSuccess()
	}
}

// record stores a value and offers the stored result to the sink. Every
// accepted result is handed off, good or bad, so downstream history keeps
// its sampling cadence; backpressure is the dispatcher's job. Repeated
// Stale marks collapse to the first, since no reads happen while
// disconnected and the re-mark carries no new information.
func (s *Scheduler) record(path string, v tag.Value) {
	prev, known := s.store.Read(path)
	if !s.store.UpdateValue(path, v) {
		return
	}
	if s.sink == nil {
		return
	}
	cur, ok := s.store.Read(path)
	if !ok {
		return
	}
	// The store keeps its current record on out-of-order or kind-mismatched
	// results; those were not accepted, so nothing is offered.
	if known && cur.Timestamp.Equal(prev.Timestamp) {
		return
	}
	if known && prev.Quality == tag.QualityStale && cur.Quality == tag.QualityStale {
		return
	}
	s.sink.Offer(path, cur)
}
