package domain

// Severity classifies how urgent an event is. Critical events bypass
// quiet-hours suppression.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a typed domain event emitted by an upstream subsystem
// (task/project/agent-health) into the notification router.
type Event struct {
	Type     EventType      `json:"event_type"`
	UserID   int64          `json:"user_id"`
	Severity Severity       `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Critical reports whether the event bypasses quiet hours.
func (e Event) Critical() bool {
	return e.Severity == SeverityCritical
}
