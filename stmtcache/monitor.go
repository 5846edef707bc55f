package stmtcache

import (
	"sync"

	"github.com/agentuity/go-stmtcache/sys"
)

// monitor waits for one execution context to end and then evicts everything
// it owns. A monitor leaves Watching exactly once: through termination, an
// explicit stop, or cache shutdown.
type monitor struct {
	owner ExecutionContext
	stop  chan struct{}
	once  sync.Once
}

func newMonitor(owner ExecutionContext) *monitor {
	return &monitor{owner: owner, stop: make(chan struct{})}
}

// halt abandons the wait. Safe to call any number of times.
func (m *monitor) halt() {
	m.once.Do(func() { close(m.stop) })
}

func (m *monitor) run(c *Cache) {
	defer c.waitGroup.Done()
	defer sys.RecoverPanic(c.log)
	select {
	case <-m.owner.Done():
		c.ownerTerminated(m)
	case <-m.stop:
	case <-c.ctx.Done():
	}
}
