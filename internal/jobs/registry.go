package jobs

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/events"
)

// Journal persists committed transitions. Calls for one job arrive in
// commit order.
type Journal interface {
	SaveTransition(rec Record, from State, reason string) error
	Delete(jobNames []string) error
}

// Publisher receives every committed transition.
type Publisher interface {
	Publish(eventType string, data any)
}

// TransitionEvent is the payload published for each committed transition.
// From is empty for registration.
type TransitionEvent struct {
	JobName       string    `json:"job_name"`
	WorkspaceName string    `json:"workspace_name"`
	From          State     `json:"from,omitempty"`
	To            State     `json:"to"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// TransitionOption sets record fields alongside a transition.
type TransitionOption func(*Record)

func WithContainerID(id string) TransitionOption {
	return func(r *Record) { r.ContainerID = id }
}

func WithImageRef(ref string) TransitionOption {
	return func(r *Record) { r.ImageRef = ref }
}

func WithExitCode(code int) TransitionOption {
	return func(r *Record) { r.ExitCode = &code }
}

func WithCleanupIncomplete() TransitionOption {
	return func(r *Record) { r.CleanupIncomplete = true }
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Registry maps job names to records. The map lock is held only for lookup
// and insert; each record has its own lock, so transitions on one job are
// linearizable while unrelated jobs proceed independently.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	reaped    map[string]struct{}
	journal   Journal
	writer    *journalWriter
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		reaped:  make(map[string]struct{}),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	if r.journal != nil {
		r.writer = newJournalWriter(r.journal, r.logger)
	}
	return r
}

// Flush waits until every committed transition and reap has reached the
// journal.
func (r *Registry) Flush() {
	if r.writer != nil {
		r.writer.flush()
	}
}

// Close drains pending journal writes and stops the writer. Transitions
// committed afterwards are kept in memory only.
func (r *Registry) Close() {
	if r.writer != nil {
		r.writer.close()
	}
}

// Register creates a requested record. Names are never reused, even after
// the record is reaped.
func (r *Registry) Register(jobName, workspaceName string) (Record, error) {
	if jobName == "" {
		return Record{}, fmt.Errorf("job name is empty")
	}

	now := r.now().UTC()
	e := &entry{rec: Record{
		JobName:          jobName,
		WorkspaceName:    workspaceName,
		State:            StateRequested,
		CreatedAt:        now,
		LastTransitionAt: now,
	}}

	r.mu.Lock()
	if _, ok := r.entries[jobName]; ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateJob, jobName)
	}
	if _, ok := r.reaped[jobName]; ok {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateJob, jobName)
	}
	// Lock the entry before it becomes visible so the registration commit
	// precedes any transition on it.
	e.mu.Lock()
	r.entries[jobName] = e
	r.mu.Unlock()
	defer e.mu.Unlock()

	r.commitLocked(e.rec, "", "")
	return e.rec.clone(), nil
}

// Get returns a copy of the record for jobName.
func (r *Registry) Get(jobName string) (Record, error) {
	e, ok := r.lookup(jobName)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.clone(), nil
}

// List returns records ordered by creation time then name. A non-nil
// filter keeps only records in that state.
func (r *Registry) List(filter *State) []Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec.clone()
		e.mu.Unlock()
		if filter != nil && rec.State != *filter {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobName < out[j].JobName
	})
	return out
}

// Counts returns the number of records in each state.
func (r *Registry) Counts() map[State]int {
	counts := make(map[State]int)
	for _, rec := range r.List(nil) {
		counts[rec.State]++
	}
	return counts
}

// Transition moves jobName to state to. The reason is recorded as the
// failure reason when non-empty.
func (r *Registry) Transition(jobName string, to State, reason string, opts ...TransitionOption) (Record, error) {
	e, ok := r.lookup(jobName)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.rec.State
	if !CanTransition(from, to) {
		return e.rec.clone(), &InvalidTransitionError{JobName: jobName, From: from, To: to}
	}

	e.rec.State = to
	e.rec.LastTransitionAt = r.now().UTC()
	if reason != "" {
		e.rec.FailureReason = reason
	}
	for _, opt := range opts {
		opt(&e.rec)
	}

	r.commitLocked(e.rec, from, reason)
	return e.rec.clone(), nil
}

// commitLocked publishes a committed record and queues it for the journal.
// The caller holds the entry lock, which keeps per-job order; neither step
// waits on disk I/O.
func (r *Registry) commitLocked(rec Record, from State, reason string) {
	if r.publisher != nil {
		typ := events.JobTransition
		if from == "" {
			typ = events.JobRegistered
		}
		r.publisher.Publish(typ, TransitionEvent{
			JobName:       rec.JobName,
			WorkspaceName: rec.WorkspaceName,
			From:          from,
			To:            rec.State,
			Reason:        reason,
			At:            rec.LastTransitionAt,
		})
	}
	if r.writer != nil {
		r.writer.enqueue(journalOp{rec: rec.clone(), from: from, reason: reason})
	}
}

// Reap removes terminal records whose last transition is older than
// olderThan and returns how many were removed. Their names stay reserved.
func (r *Registry) Reap(olderThan time.Duration) int {
	cutoff := r.now().UTC().Add(-olderThan)

	r.mu.RLock()
	candidates := make(map[string]*entry, len(r.entries))
	for name, e := range r.entries {
		candidates[name] = e
	}
	r.mu.RUnlock()

	// Terminal records never change again, so the check stays valid after
	// the entry lock is released.
	var expired []string
	for name, e := range candidates {
		e.mu.Lock()
		ok := e.rec.State.Terminal() && e.rec.LastTransitionAt.Before(cutoff)
		e.mu.Unlock()
		if ok {
			expired = append(expired, name)
		}
	}
	if len(expired) == 0 {
		return 0
	}

	names := make([]string, 0, len(expired))
	r.mu.Lock()
	for _, name := range expired {
		if r.entries[name] != candidates[name] {
			continue
		}
		delete(r.entries, name)
		r.reaped[name] = struct{}{}
		names = append(names, name)
	}
	r.mu.Unlock()

	if len(names) == 0 {
		return 0
	}
	sort.Strings(names)
	if r.writer != nil {
		r.writer.enqueue(journalOp{deleted: names})
	}
	if r.publisher != nil {
		r.publisher.Publish(events.JobsReaped, map[string]any{"job_names": names})
	}
	r.logger.Info("reaped terminal jobs", "count", len(names))
	return len(names)
}

// Restore loads journaled records and previously reaped names. Records that
// were not terminal belonged to a previous orchestrator whose run goroutines
// are gone, so they are failed.
func (r *Registry) Restore(records []Record, reaped []string) (int, error) {
	r.mu.Lock()
	for _, name := range reaped {
		r.reaped[name] = struct{}{}
	}
	var orphans []string
	for _, rec := range records {
		if _, ok := r.entries[rec.JobName]; ok {
			r.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrDuplicateJob, rec.JobName)
		}
		r.entries[rec.JobName] = &entry{rec: rec.clone()}
		if !rec.State.Terminal() {
			orphans = append(orphans, rec.JobName)
		}
	}
	r.mu.Unlock()

	sort.Strings(orphans)
	for _, name := range orphans {
		rec, err := r.Get(name)
		if err != nil {
			return 0, err
		}
		reason := fmt.Sprintf("orchestrator restarted while job was %s", rec.State)
		if _, err := r.Transition(name, StateFailed, reason); err != nil {
			return 0, fmt.Errorf("recover orphaned job %s: %w", name, err)
		}
		r.logger.Warn("recovered orphaned job", "job_name", name, "previous_state", rec.State)
	}
	return len(orphans), nil
}

func (r *Registry) lookup(jobName string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[jobName]
	return e, ok
}
