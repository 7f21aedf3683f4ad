package messages

import "time"

// Event types published on the bus and the change stream
const (
	TypeLifecycleIngested = "lifecycle.ingested"
	TypeReviewTransition  = "review.transition"
	TypeSkillsRegenerate  = "skills.regenerate"
	TypeDocumentChanged   = "document.changed"
	TypeSystemError       = "system.error"
)

// EventMessage represents a system event sent via NATS and the websocket stream
type EventMessage struct {
	ID            string                 `json:"id,omitempty"`
	Type          string                 `json:"type"`   // "lifecycle.ingested", "review.transition", ...
	Source        string                 `json:"source"` // Component that generated the event
	EntityID      string                 `json:"entity_id,omitempty"`
	Event         EventData              `json:"event"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// EventData contains the event-specific information
type EventData struct {
	Action      string                 `json:"action"`   // "ingested", "merged", "iterating", "escalated", ...
	Category    string                 `json:"category"` // "graph", "review", "skills", "system"
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// LifecycleIngested creates a lifecycle.ingested event for a node the ingestor wrote
func LifecycleIngested(nodeID string, action Action, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:     TypeLifecycleIngested,
		Source:   source,
		EntityID: nodeID,
		Event: EventData{
			Action:   string(action),
			Category: "graph",
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// ReviewTransition creates a review.transition event for a pull request
func ReviewTransition(prID, state, reason, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:     TypeReviewTransition,
		Source:   source,
		EntityID: prID,
		Event: EventData{
			Action:      state,
			Category:    "review",
			Description: reason,
			Data:        data,
		},
		Timestamp: time.Now(),
	}
}

// SkillsRegenerate creates a skills.regenerate trigger listing the skills to rebuild
func SkillsRegenerate(changedID string, skills []string, source string) *EventMessage {
	return &EventMessage{
		Type:     TypeSkillsRegenerate,
		Source:   source,
		EntityID: changedID,
		Event: EventData{
			Action:   "regenerate",
			Category: "skills",
			Data: map[string]interface{}{
				"skills": skills,
			},
		},
		Timestamp: time.Now(),
	}
}

// DocumentChanged creates a document.changed event for a knowledge-base file
func DocumentChanged(docID, op, source string) *EventMessage {
	return &EventMessage{
		Type:     TypeDocumentChanged,
		Source:   source,
		EntityID: docID,
		Event: EventData{
			Action:   op,
			Category: "graph",
		},
		Timestamp: time.Now(),
	}
}

// SystemError creates a system.error event
func SystemError(source, description string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:   TypeSystemError,
		Source: source,
		Event: EventData{
			Action:      "error",
			Category:    "system",
			Description: description,
			Data:        data,
		},
		Timestamp: time.Now(),
	}
}
