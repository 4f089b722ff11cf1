// Package event provides the typed publish/subscribe event bus that decouples
// the Kotone kernel components from one another.
//
// Producers (dialogue orchestrator, memory pipeline, emotion pipeline, plugin
// supervisor) publish [Event] values carrying a dotted-namespace type string;
// consumers subscribe with either an exact type or a one-level trailing
// wildcard such as "memory.*". The event type vocabulary is closed — every
// type the kernel emits is declared as a constant in this package, together
// with a value struct describing its payload.
//
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so optional
// event emission does not need guard checks at every call site.
package event

import "time"

// Event type constants. The set is closed: kernel components must publish
// only these types, and each constant documents the Data keys it carries.
const (
	// TypeDialogueUserMessage is published when a user message is appended to
	// a session. Data: session_id, content.
	TypeDialogueUserMessage = "dialogue.user_message"

	// TypeDialogueAssistantResponse is published after the assistant's final
	// reply is appended to a session. Data: session_id, content, model.
	TypeDialogueAssistantResponse = "dialogue.assistant_response"

	// TypeEmotionAnalysisStarted marks the start of an emotion analysis run.
	// Data: text_length, character.
	TypeEmotionAnalysisStarted = "emotion.analysis.started"

	// TypeEmotionRuleScored is published synchronously after each emotion rule
	// contributes scores. Data: rule, scores.
	TypeEmotionRuleScored = "emotion.analysis.rule.scored"

	// TypeEmotionAnalysisCompleted marks the end of an emotion analysis run.
	// Data: primary, confidence, character.
	TypeEmotionAnalysisCompleted = "emotion.analysis.completed"

	// TypeCharacterEmotionChanged signals an emotion state transition for a
	// character. Data: from_state, to_state, intensity.
	TypeCharacterEmotionChanged = "character.emotion_changed"

	// TypeMemoryRecorded is published when a conversation record is ingested.
	// Data: record_id, session_id.
	TypeMemoryRecorded = "memory.recorded"

	// TypeMemoryCoreUpdated is published when a core profile is upserted.
	// Data: profile_id, record_id.
	TypeMemoryCoreUpdated = "memory.core.updated"

	// TypeMemoryFactUpserted is published when a semantic fact is upserted.
	// Data: fact_id, record_id, subject, predicate, object.
	TypeMemoryFactUpserted = "memory.fact.upserted"

	// TypeMemoryHabitRecorded is published when a procedural habit is upserted.
	// Data: habit_id, record_id, task_type.
	TypeMemoryHabitRecorded = "memory.habit.recorded"

	// TypeMemoryEmotionalSnapshot is published when an emotion snapshot is
	// attached to an ingested record. Data: record_id, session_id, emotion.
	TypeMemoryEmotionalSnapshot = "memory.emotional_snapshot.attached"

	// TypeAgentCreated signals that a secondary agent was registered.
	// Data: agent_id.
	TypeAgentCreated = "agent.created"

	// TypeAgentMessageCreated signals an agent produced a message.
	// Data: agent_id, content.
	TypeAgentMessageCreated = "agent.message.created"

	// TypeAgentWakeupStarted marks the start of an agent wakeup cycle.
	// Data: agent_id.
	TypeAgentWakeupStarted = "agent.wakeup.started"

	// TypeAgentWakeupCompleted marks the end of an agent wakeup cycle.
	// Data: agent_id, ok.
	TypeAgentWakeupCompleted = "agent.wakeup.completed"

	// TypePluginStateChanged signals a plugin lifecycle transition.
	// Data: plugin, from_state, to_state.
	TypePluginStateChanged = "plugin.state_changed"

	// Operation subsystem events are forwarded by external collaborators; the
	// kernel only reserves their names in the closed vocabulary.
	TypeOperationWindowConnected    = "operation.window.connected"
	TypeOperationWindowDisconnected = "operation.window.disconnected"
	TypeOperationInputPerformed     = "operation.input.performed"
	TypeOperationTemplateMatched    = "operation.template.matched"
	TypeOperationActionCompleted    = "operation.action.completed"
)

// Event is a single typed event flowing over the [Bus].
type Event struct {
	// Type is the dotted-namespace event type, one of the Type* constants.
	Type string `json:"type"`

	// Data holds the event-specific payload as key/value pairs. Prefer
	// constructing events through the payload types in payloads.go rather
	// than assembling this map by hand.
	Data map[string]any `json:"data,omitempty"`

	// Source identifies the component that published the event
	// (e.g., "dialogue", "memory", "plugin:weather").
	Source string `json:"source"`

	// Timestamp is when the event was published. The bus fills it in when
	// the publisher leaves it zero.
	Timestamp time.Time `json:"ts"`
}

// Payload is implemented by the typed event payload structs in this package.
// It ties a value struct to its event type and map representation so that
// components never hand-serialize event data.
type Payload interface {
	// EventType returns the Type* constant this payload belongs to.
	EventType() string

	// EventData returns the payload rendered as an event data map.
	EventData() map[string]any
}

// New builds an [Event] from a typed payload.
func New(source string, p Payload) Event {
	return Event{
		Type:      p.EventType(),
		Data:      p.EventData(),
		Source:    source,
		Timestamp: time.Now(),
	}
}
