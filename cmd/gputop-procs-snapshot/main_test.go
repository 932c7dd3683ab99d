package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skobkin/gputop-procs/internal/monitor"
	"github.com/skobkin/gputop-procs/internal/process"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	renderTable(&buf, []monitor.Snapshot{
		{
			GPUId:   "card0",
			GPUName: "Navi 23",
			Processes: []process.Snapshot{{
				PID:                 4242,
				Username:            "alice",
				GPUMemoryHuman:      "256 MiB",
				Type:                process.TypeMixed,
				CPUPercentString:    "12.5%",
				MemoryPercentString: "3.5%",
				RunningTimeHuman:    "1:30",
				Command:             "python3 train.py",
			}},
		},
		{
			GPUId:     "card1",
			Processes: []process.Snapshot{{PID: 7, Command: "glxgears"}},
		},
	})

	out := buf.String()
	for _, want := range []string{"COMMAND", "card0 (Navi 23)", "4242", "alice", "256 MiB", "C+G", "12.5%", "1:30", "python3 train.py", "card1", "glxgears"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "card1 (")
}
