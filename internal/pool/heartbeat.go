package pool

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// RunHeartbeatSweep periodically checks worker liveness until ctx is
// cancelled. A worker that has not reported within
// HeartbeatInterval * HeartbeatMisses is presumed dead: it is moved to
// failed, its slot is reclaimed, and the timeout handler is notified so
// the bound task can be reassigned.
func (p *Pool) RunHeartbeatSweep(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

// sweepOnce runs a single liveness pass over all active workers.
func (p *Pool) sweepOnce() {
	deadline := time.Duration(p.cfg.HeartbeatMisses) * p.cfg.HeartbeatInterval
	now := p.clock()

	p.mu.RLock()
	var dead []*models.Worker
	for _, w := range p.workers {
		if !w.State.Active() {
			continue
		}
		if now.Sub(w.LastHeartbeat) > deadline {
			dead = append(dead, w)
		}
	}
	p.mu.RUnlock()

	for _, w := range dead {
		log.Printf("[POOL] worker %s missed %d heartbeats, presuming dead", w.ID, p.cfg.HeartbeatMisses)
		p.emit(Event{
			Type:     EventHeartbeatMissed,
			WorkerID: w.ID,
			TaskID:   w.TaskID,
			Message:  fmt.Sprintf("no heartbeat for %s", now.Sub(w.LastHeartbeat).Round(time.Second)),
		})
		p.terminate(w, models.WorkerFailed, ErrHeartbeatTimeout.Error())
		if p.onHeartbeatTimeout != nil {
			p.onHeartbeatTimeout(w)
		}
	}
}
