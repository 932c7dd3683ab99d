package api

import (
	"github.com/skobkin/gputop-procs/internal/gpu"
	"github.com/skobkin/gputop-procs/internal/monitor"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	GPUs       []gpu.Info      `json:"gpus"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, gpus []gpu.Info, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		GPUs:       gpus,
		Features:   features,
	}
}

// ProcsMessage wraps a process snapshot for transport.
type ProcsMessage struct {
	Type string `json:"type"`
	monitor.Snapshot
}

// NewProcsMessage constructs a procs payload.
func NewProcsMessage(snapshot monitor.Snapshot) ProcsMessage {
	return ProcsMessage{
		Type:     "procs",
		Snapshot: snapshot,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorMessage constructs an error payload.
func NewErrorMessage(message string) ErrorMessage {
	return ErrorMessage{Type: "error", Message: message}
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage switches the connection to the process stream of one GPU.
type SubscribeMessage struct {
	Type  string `json:"type"`
	GPUId string `json:"gpu_id"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
