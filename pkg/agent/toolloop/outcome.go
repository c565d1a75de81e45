package toolloop

import (
	"fmt"

	"foreman/pkg/agent/llm"
	"foreman/pkg/tools"
)

// OutcomeKind categorizes how a loop run ended.
type OutcomeKind int

const (
	// OutcomeCompleted means the model answered without requesting tools.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeReported means the model called the terminal report tool.
	OutcomeReported
	// OutcomeIterationLimit means the turn cap was reached. Not an error by itself.
	OutcomeIterationLimit
	// OutcomeLLMError means the completion service failed.
	OutcomeLLMError
	// OutcomeCancelled means the cancellation signal was observed.
	OutcomeCancelled
)

// String returns the name used in job results and logs.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeReported:
		return "reported"
	case OutcomeIterationLimit:
		return "iteration_limit"
	case OutcomeLLMError:
		return "llm_error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of one loop run.
//
//nolint:govet // readability over alignment
type Outcome struct {
	Kind OutcomeKind

	// Content is the last non-empty assistant text.
	Content string

	// Report is set when Kind == OutcomeReported.
	Report *tools.Report

	// Mutations lists workspace changes in call order.
	Mutations []tools.Mutation

	// Iterations is the number of model calls made.
	Iterations int

	// ToolCalls and ToolErrors count executed calls across all turns.
	ToolCalls  int
	ToolErrors int

	Usage llm.Usage

	// Err is set for OutcomeLLMError and OutcomeCancelled.
	Err error
}

// Usable reports whether the run produced something a job can return.
func (o *Outcome) Usable() bool {
	return o.Report != nil || o.Content != ""
}
