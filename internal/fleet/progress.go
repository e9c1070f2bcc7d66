package fleet

import (
	"sync"

	"github.com/t77yq/credfleet/internal/model"
)

// LatestProgress is an in-memory ProgressSink that keeps the newest snapshot.
// Snapshots published out of order are discarded by sequence number.
type LatestProgress struct {
	mu     sync.RWMutex
	latest model.Progress
	seen   bool
}

// Publish stores p unless a newer snapshot of the same run is already held
func (l *LatestProgress) Publish(p model.Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen && l.latest.RunID == p.RunID && p.Sequence <= l.latest.Sequence {
		return
	}
	l.latest = copyProgress(p)
	l.seen = true
}

// Latest returns a copy of the newest snapshot and whether one exists
func (l *LatestProgress) Latest() (model.Progress, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyProgress(l.latest), l.seen
}

func copyProgress(p model.Progress) model.Progress {
	if p.Agents != nil {
		p.Agents = append([]model.AgentSnapshot(nil), p.Agents...)
	}
	if p.Host != nil {
		h := *p.Host
		p.Host = &h
	}
	return p
}

type multiSink []ProgressSink

func (m multiSink) Publish(p model.Progress) {
	for _, s := range m {
		s.Publish(copyProgress(p))
	}
}
