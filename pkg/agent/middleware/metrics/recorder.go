// Package metrics provides metrics recording for completion client operations.
package metrics

import (
	"time"
)

// Request is one observed completion call.
//
//nolint:govet // logical grouping
type Request struct {
	Model        string
	Purpose      string
	Tier         string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Success      bool
	ErrorType    string
	Duration     time.Duration
}

// Recorder records completion call metrics.
type Recorder interface {
	ObserveRequest(r Request)
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

// Nop returns a recorder that discards everything.
func Nop() Recorder { return NoopRecorder{} }

// ObserveRequest does nothing.
func (NoopRecorder) ObserveRequest(Request) {}
