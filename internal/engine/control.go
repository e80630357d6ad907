package engine

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/internal/store"
)

// cancelRequestPrefix namespaces CLI cancellation requests in the kv
// table. The daemon owns live task state; other processes file requests
// here instead of mutating it.
const cancelRequestPrefix = "ctl:cancel:"

// RequestCancel files a cancellation request for the dispatch loop to
// apply on its next external-sync pass.
func RequestCancel(db *store.DB, taskID string) error {
	return db.SetKV(cancelRequestPrefix+taskID, time.Now().Format(time.RFC3339))
}

// syncExternal adopts tasks persisted by other processes and applies
// filed control requests. Errors here are logged, not fatal: a flaky
// pass retries on the next interval.
func (e *Engine) syncExternal() {
	adopted, err := e.sched.AdoptExternal()
	if err != nil {
		log.Printf("[ENGINE] adopt external submissions: %v", err)
	}
	for _, t := range adopted {
		e.trace.Log("adopted external submission %s (priority %d)", t.ID, t.Priority)
		e.emit(Event{Type: EventTaskQueued, TaskID: t.ID, Message: "adopted external submission"})
	}

	reqs, err := e.db.ListKV(cancelRequestPrefix)
	if err != nil {
		log.Printf("[ENGINE] read control requests: %v", err)
		return
	}
	for key := range reqs {
		taskID := strings.TrimPrefix(key, cancelRequestPrefix)
		_, err := e.Cancel(taskID)
		if err != nil && !errors.Is(err, scheduler.ErrNotCancellable) && !errors.Is(err, scheduler.ErrTaskNotFound) {
			log.Printf("[ENGINE] apply cancel request for %s: %v", taskID, err)
			continue
		}
		if err := e.db.DeleteKV(key); err != nil {
			log.Printf("[ENGINE] clear control request %s: %v", key, err)
		}
	}
}
