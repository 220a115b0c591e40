package gateway

import (
	"sync"

	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

type job struct {
	name  string
	write func() error
}

// Persister runs disk writes one at a time off the hub loop. Jobs carry
// snapshots taken on the loop, so a write never races with a mutation.
type Persister struct {
	jobs chan job
	wg   sync.WaitGroup
	once sync.Once
}

func NewPersister(buffer int) *Persister {
	return &Persister{jobs: make(chan job, buffer)}
}

func (p *Persister) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for j := range p.jobs {
			if err := j.write(); err != nil {
				util.LogError("Persist %s failed: %v", j.name, err)
				continue
			}
			util.LogDebug("Persisted %s", j.name)
		}
	}()
}

// Submit queues a write without blocking. A full queue drops the job; the
// next tick writes a fresher snapshot anyway.
func (p *Persister) Submit(name string, write func() error) bool {
	select {
	case p.jobs <- job{name: name, write: write}:
		return true
	default:
		util.LogWarn("Persist queue full, skipping %s", name)
		return false
	}
}

// Close waits for queued writes to finish.
func (p *Persister) Close() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
}
