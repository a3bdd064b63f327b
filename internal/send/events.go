package send

// EventKind tags the events a job emits.
type EventKind string

const (
	EventStatus     EventKind = "status"
	EventProgress   EventKind = "progress"
	EventConversion EventKind = "conversion"
	EventComplete   EventKind = "complete"
	EventFailed     EventKind = "failed"
)

type Phase string

const (
	PhaseAnalysis      Phase = "analysis"
	PhaseCompatibility Phase = "compatibility"
	PhaseConversion    Phase = "conversion"
	PhaseSending       Phase = "sending"
	PhaseDone          Phase = "done"
)

// Event is one notification from a running job. Progress fields are set
// for EventProgress and EventConversion, Summary for EventComplete and
// EventFailed.
type Event struct {
	Kind    EventKind `json:"kind"`
	JobID   string    `json:"job_id"`
	Phase   Phase     `json:"phase"`
	Message string    `json:"message,omitempty"`

	Index  int    `json:"index,omitempty"`
	Total  int    `json:"total,omitempty"`
	Sent   int    `json:"sent,omitempty"`
	Warned int    `json:"warned,omitempty"`
	Failed int    `json:"failed,omitempty"`
	File   string `json:"file,omitempty"`

	Summary *Summary `json:"summary,omitempty"`
}

// EventSink receives events synchronously on the job goroutine.
type EventSink func(Event)

// Fanout delivers every event to each non-nil sink in order.
func Fanout(sinks ...EventSink) EventSink {
	return func(ev Event) {
		for _, s := range sinks {
			if s != nil {
				s(ev)
			}
		}
	}
}
