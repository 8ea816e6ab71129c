package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.TaskCreated("pending")
	c.TaskCreated("blocked")
	c.TaskStarted()
	c.TaskStarted()
	c.TaskCompleted(2 * time.Second)
	c.TaskRetried()

	assert.Equal(t, float64(1), testutil.ToFloat64(c.tasksCreated.WithLabelValues("pending")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.tasksCreated.WithLabelValues("blocked")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.tasksStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.tasksCompleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.tasksRetried))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.runningTasks),
		"completion and retry must release the running gauge")
}

func TestCollectorRunningGaugeOnCancel(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.TaskStarted()
	c.TaskCancelled(true)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.runningTasks))

	// A queued (not in-flight) cancellation leaves the gauge alone.
	c.TaskCancelled(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.runningTasks))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.tasksCancelled))
}

func TestCollectorNilReceiverIsNoop(t *testing.T) {
	var c *Collector
	// Must not panic when metrics are disabled.
	c.TaskCreated("pending")
	c.TaskStarted()
	c.TaskCompleted(time.Second)
	c.TaskRetried()
	c.TaskFailed()
	c.TaskCancelled(true)
	c.SetQueueDepth(3)
}
