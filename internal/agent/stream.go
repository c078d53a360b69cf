package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/fda-chat/internal/domain"
)

// Stream processes one request and yields its events. The sequence ends
// with exactly one EventDone or EventError, unless the consumer stops
// early, in which case the run is abandoned, the tool host connection is
// released and the session history is left untouched.
func (o *Orchestrator) Stream(ctx context.Context, req ChatRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		stopped := false
		emit := func(ev Event) bool {
			if stopped {
				return false
			}
			if !yield(ev) {
				stopped = true
			}
			return !stopped
		}

		res, err := o.run(ctx, req, true, emit)
		if stopped || errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			yield(Event{Type: EventError, Data: ErrorData{Message: ErrorMessage(err)}})
			return
		}

		tools := res.ToolsUsed
		if tools == nil {
			tools = []domain.ToolExecution{}
		}
		yield(Event{Type: EventDone, Data: DoneData{SessionID: res.SessionID, ToolsUsed: tools}})
	}
}
