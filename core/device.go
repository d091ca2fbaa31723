package core

import (
	"fmt"
	"strings"
)

// TaskOfDevice extracts the task prefix from a fully qualified device name,
// e.g. "/job:worker/replica:0/task:1/device:CPU:0" yields
// "/job:worker/replica:0/task:1". Names without a "/device:" segment are
// returned unchanged, and an empty name stays empty.
func TaskOfDevice(device string) string {
	if i := strings.Index(device, "/device:"); i >= 0 {
		return device[:i]
	}
	return device
}

// LocalDeviceName builds the canonical CPU device name for a task.
func LocalDeviceName(jobName string, taskIndex int32, deviceIndex int) string {
	if jobName == "" {
		jobName = "localhost"
	}
	return fmt.Sprintf("/job:%s/replica:0/task:%d/device:CPU:%d", jobName, taskIndex, deviceIndex)
}

// SameTask reports whether two device names live on the same task. Empty
// device names are treated as local, so they match any task.
func SameTask(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return TaskOfDevice(a) == TaskOfDevice(b)
}
