package events

import "time"

// EventType identifies the kind of event emitted by the runtime.
type EventType string

const (
	EventVerdictAccepted   EventType = "verdict.accepted"
	EventVerdictRejected   EventType = "verdict.rejected"
	EventVexationRecorded  EventType = "vexation.recorded"
	EventStrictnessChanged EventType = "vexation.strictness"
	EventFeedbackSubmitted EventType = "feedback.submitted"
	EventFeedbackFailed    EventType = "feedback.failed"
	EventProfilesLoaded    EventType = "profiles.loaded"
	EventProfilesFailed    EventType = "profiles.failed"
)

// Event represents a single runtime event.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Data      any           `json:"data"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// NewEvent creates a new Event with the current timestamp.
func NewEvent(typ EventType, data any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// VerdictData is the payload of verdict events.
type VerdictData struct {
	Status      string `json:"status"`
	Seq         uint64 `json:"seq"`
	Profile     string `json:"profile,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Index       int    `json:"index"`
	Explanation string `json:"explanation,omitempty"`
}

// VexationData is the payload of vexation events.
type VexationData struct {
	Source    string  `json:"source"`
	Magnitude float64 `json:"magnitude"`
	Index     float64 `json:"index"`
	Strict    bool    `json:"strict"`
}

// FeedbackData is the payload of feedback events.
type FeedbackData struct {
	LocalID    uint64 `json:"local_id"`
	ReportType string `json:"report_type"`
	Status     string `json:"status,omitempty"`
	Receipt    string `json:"receipt,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ProfilesData is the payload of profile load events.
type ProfilesData struct {
	Path     string   `json:"path"`
	Profiles []string `json:"profiles,omitempty"`
	Error    string   `json:"error,omitempty"`
}
