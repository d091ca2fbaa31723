package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskOfDevice(t *testing.T) {
	assert.Equal(t, "/job:worker/replica:0/task:1", TaskOfDevice("/job:worker/replica:0/task:1/device:CPU:0"))
	assert.Equal(t, "/job:localhost/replica:0/task:0", TaskOfDevice("/job:localhost/replica:0/task:0/device:CPU:0"))
	assert.Equal(t, "", TaskOfDevice(""))
	assert.Equal(t, "bare", TaskOfDevice("bare"))
}

func TestLocalDeviceName(t *testing.T) {
	assert.Equal(t, "/job:worker/replica:0/task:2/device:CPU:0", LocalDeviceName("worker", 2, 0))
	assert.Equal(t, "/job:localhost/replica:0/task:0/device:CPU:1", LocalDeviceName("", 0, 1))
}

func TestSameTask(t *testing.T) {
	a := "/job:worker/replica:0/task:0/device:CPU:0"
	b := "/job:worker/replica:0/task:0/device:CPU:1"
	c := "/job:worker/replica:0/task:1/device:CPU:0"

	assert.True(t, SameTask(a, b))
	assert.False(t, SameTask(a, c))
	assert.True(t, SameTask("", c))
	assert.True(t, SameTask(a, ""))
}
