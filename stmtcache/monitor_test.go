package stmtcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorHaltIsIdempotent(t *testing.T) {
	m := newMonitor(newTestOwner("a"))
	m.halt()
	m.halt()
	<-m.stop
}

func TestStaleMonitorDoesNotEvictNewRegistration(t *testing.T) {
	c, _ := newTestCache(t)
	owner := newTestOwner("a")
	conn := newFakeConn("c")

	_, err := c.Prepare(context.Background(), owner, conn, "select 1")
	require.NoError(t, err)

	c.mutex.Lock()
	stale := c.monitors[owner.ID()]
	c.mutex.Unlock()
	require.NotNil(t, stale)

	assert.Empty(t, c.ClearContext(owner.ID()))
	h, err := c.Prepare(context.Background(), owner, conn, "select 1")
	require.NoError(t, err)

	// a wake-up from the cleared monitor must leave the new registration alone
	c.ownerTerminated(stale)
	assert.False(t, h.Closed())
	stats := c.Stats()
	assert.Equal(t, 1, stats.Groups)
	assert.Equal(t, 1, stats.Monitors)
}

func TestMonitorSurvivesPanickingOwner(t *testing.T) {
	c, log := newTestCache(t)
	m := newMonitor(panicOwner{})
	c.waitGroup.Add(1)
	go m.run(c)

	require.Eventually(t, func() bool {
		return len(log.Find("ERROR", "panic")) > 0
	}, time.Second, 5*time.Millisecond)
}

type panicOwner struct{}

func (panicOwner) ID() ContextID { return "panic" }

func (panicOwner) Done() <-chan struct{} { panic("owner exploded") }
