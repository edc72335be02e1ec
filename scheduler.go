package sagaway

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

type TimerKind string

const (
	TimerTimeout TimerKind = "timeout"
	TimerRetry   TimerKind = "retry"
)

type deadlineEntry struct {
	at         time.Time
	seq        uint64
	instanceID string
	stepName   string
	kind       TimerKind
}

func deadlineLess(a, b deadlineEntry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}

	return a.seq < b.seq
}

// Scheduler tracks outstanding step deadlines and retry wake-ups in a
// time-ordered index. It holds no durable state: after a crash it is rebuilt
// entirely from persisted instances (invokedAt + timeout), so entries may be
// armed in the past and fire immediately.
type Scheduler struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[deadlineEntry]
	byKey   map[string]deadlineEntry
	fire    func(instanceID, stepName string, kind TimerKind)
	nextSeq uint64
	wake    chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	now     func() time.Time
}

func NewScheduler(fire func(instanceID, stepName string, kind TimerKind)) *Scheduler {
	return &Scheduler{
		tree:   btree.NewBTreeG[deadlineEntry](deadlineLess),
		byKey:  make(map[string]deadlineEntry),
		fire:   fire,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

func deadlineKey(instanceID, stepName string) string {
	return instanceID + "/" + stepName
}

// Arm schedules (or reschedules) the deadline for one step. A step has at
// most one outstanding deadline: a retry replaces a timeout and vice versa.
func (s *Scheduler) Arm(instanceID, stepName string, kind TimerKind, at time.Time) {
	s.mu.Lock()
	key := deadlineKey(instanceID, stepName)
	if prev, ok := s.byKey[key]; ok {
		s.tree.Delete(prev)
	}

	s.nextSeq++
	entry := deadlineEntry{
		at:         at,
		seq:        s.nextSeq,
		instanceID: instanceID,
		stepName:   stepName,
		kind:       kind,
	}
	s.byKey[key] = entry
	s.tree.Set(entry)
	s.mu.Unlock()

	s.kick()
}

// Cancel drops the outstanding deadline for one step, if any.
func (s *Scheduler) Cancel(instanceID, stepName string) {
	s.mu.Lock()
	key := deadlineKey(instanceID, stepName)
	if entry, ok := s.byKey[key]; ok {
		s.tree.Delete(entry)
		delete(s.byKey, key)
	}
	s.mu.Unlock()

	s.kick()
}

// Reset drops every outstanding deadline. Used before a recovery rebuild.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.tree = btree.NewBTreeG[deadlineEntry](deadlineLess)
	s.byKey = make(map[string]deadlineEntry)
	s.mu.Unlock()

	s.kick()
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.byKey)
}

// Start runs the dispatch loop until Stop.
func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	const idleWait = time.Minute

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		due, wait := s.collectDue()
		for _, entry := range due {
			s.fire(entry.instanceID, entry.stepName, entry.kind)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// collectDue pops every entry at or before now and returns the wait until
// the next one.
func (s *Scheduler) collectDue() ([]deadlineEntry, time.Duration) {
	const idleWait = time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var due []deadlineEntry
	for {
		entry, ok := s.tree.Min()
		if !ok {
			return due, idleWait
		}

		if entry.at.After(now) {
			wait := entry.at.Sub(now)
			if wait > idleWait {
				wait = idleWait
			}

			return due, wait
		}

		s.tree.Delete(entry)
		delete(s.byKey, deadlineKey(entry.instanceID, entry.stepName))
		due = append(due, entry)
	}
}

// NextRetryDelay computes the backoff before the retry that follows the
// given completed attempt count: BaseDelay * Multiplier^(attempt-1), capped
// at MaxDelay, spread by +/-Jitter.
func NextRetryDelay(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(policy.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter > 0 {
		spread := 1 + policy.Jitter*(2*rand.Float64()-1)
		if spread < 0 {
			spread = 0
		}
		delay *= spread
	}

	return time.Duration(delay)
}
