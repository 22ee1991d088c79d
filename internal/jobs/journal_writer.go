package jobs

import (
	"log/slog"
	"sync"
)

// journalOp is either a committed transition or a batch of reaped names.
type journalOp struct {
	rec     Record
	from    State
	reason  string
	deleted []string
}

// journalWriter applies journal operations on a single goroutine in the
// order they were queued. Callers never wait on disk I/O; Enqueue only
// appends under a short lock.
type journalWriter struct {
	journal Journal
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []journalOp
	busy    bool
	closed  bool
	done    chan struct{}
}

func newJournalWriter(j Journal, logger *slog.Logger) *journalWriter {
	w := &journalWriter{journal: j, logger: logger, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *journalWriter) enqueue(op journalOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Warn("journal closed, dropping operation", "job_name", op.rec.JobName, "to", op.rec.State)
		return
	}
	w.pending = append(w.pending, op)
	w.cond.Broadcast()
}

func (w *journalWriter) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.pending) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return
		}
		batch := w.pending
		w.pending = nil
		w.busy = true
		w.mu.Unlock()

		for _, op := range batch {
			w.apply(op)
		}

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *journalWriter) apply(op journalOp) {
	if op.deleted != nil {
		if err := w.journal.Delete(op.deleted); err != nil {
			w.logger.Error("failed to delete reaped jobs from journal", "count", len(op.deleted), "error", err)
		}
		return
	}
	if err := w.journal.SaveTransition(op.rec, op.from, op.reason); err != nil {
		w.logger.Error("failed to journal transition",
			"job_name", op.rec.JobName, "from", op.from, "to", op.rec.State, "error", err)
	}
}

// flush blocks until every queued operation has been applied.
func (w *journalWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.pending) > 0 || w.busy {
		w.cond.Wait()
	}
}

// close drains the queue and stops the writer.
func (w *journalWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}
