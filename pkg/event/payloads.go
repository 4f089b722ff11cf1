package event

// UserMessage is the payload of [TypeDialogueUserMessage].
type UserMessage struct {
	SessionID string
	Content   string
}

func (p UserMessage) EventType() string { return TypeDialogueUserMessage }

func (p UserMessage) EventData() map[string]any {
	return map[string]any{"session_id": p.SessionID, "content": p.Content}
}

// AssistantResponse is the payload of [TypeDialogueAssistantResponse].
type AssistantResponse struct {
	SessionID string
	Content   string
	Model     string
}

func (p AssistantResponse) EventType() string { return TypeDialogueAssistantResponse }

func (p AssistantResponse) EventData() map[string]any {
	return map[string]any{"session_id": p.SessionID, "content": p.Content, "model": p.Model}
}

// EmotionAnalysisStarted is the payload of [TypeEmotionAnalysisStarted].
type EmotionAnalysisStarted struct {
	TextLength int
	Character  string
}

func (p EmotionAnalysisStarted) EventType() string { return TypeEmotionAnalysisStarted }

func (p EmotionAnalysisStarted) EventData() map[string]any {
	return map[string]any{"text_length": p.TextLength, "character": p.Character}
}

// EmotionRuleScored is the payload of [TypeEmotionRuleScored].
type EmotionRuleScored struct {
	Rule   string
	Scores map[string]float64
}

func (p EmotionRuleScored) EventType() string { return TypeEmotionRuleScored }

func (p EmotionRuleScored) EventData() map[string]any {
	return map[string]any{"rule": p.Rule, "scores": p.Scores}
}

// EmotionAnalysisCompleted is the payload of [TypeEmotionAnalysisCompleted].
type EmotionAnalysisCompleted struct {
	Primary    string
	Confidence float64
	Character  string
}

func (p EmotionAnalysisCompleted) EventType() string { return TypeEmotionAnalysisCompleted }

func (p EmotionAnalysisCompleted) EventData() map[string]any {
	return map[string]any{"primary": p.Primary, "confidence": p.Confidence, "character": p.Character}
}

// CharacterEmotionChanged is the payload of [TypeCharacterEmotionChanged].
type CharacterEmotionChanged struct {
	FromState string
	ToState   string
	Intensity float64
}

func (p CharacterEmotionChanged) EventType() string { return TypeCharacterEmotionChanged }

func (p CharacterEmotionChanged) EventData() map[string]any {
	return map[string]any{"from_state": p.FromState, "to_state": p.ToState, "intensity": p.Intensity}
}

// MemoryRecorded is the payload of [TypeMemoryRecorded].
type MemoryRecorded struct {
	RecordID  string
	SessionID string
}

func (p MemoryRecorded) EventType() string { return TypeMemoryRecorded }

func (p MemoryRecorded) EventData() map[string]any {
	return map[string]any{"record_id": p.RecordID, "session_id": p.SessionID}
}

// CoreUpdated is the payload of [TypeMemoryCoreUpdated].
type CoreUpdated struct {
	ProfileID string
	RecordID  string
}

func (p CoreUpdated) EventType() string { return TypeMemoryCoreUpdated }

func (p CoreUpdated) EventData() map[string]any {
	return map[string]any{"profile_id": p.ProfileID, "record_id": p.RecordID}
}

// FactUpserted is the payload of [TypeMemoryFactUpserted].
type FactUpserted struct {
	FactID    string
	RecordID  string
	Subject   string
	Predicate string
	Object    string
}

func (p FactUpserted) EventType() string { return TypeMemoryFactUpserted }

func (p FactUpserted) EventData() map[string]any {
	return map[string]any{
		"fact_id":   p.FactID,
		"record_id": p.RecordID,
		"subject":   p.Subject,
		"predicate": p.Predicate,
		"object":    p.Object,
	}
}

// HabitRecorded is the payload of [TypeMemoryHabitRecorded].
type HabitRecorded struct {
	HabitID  string
	RecordID string
	TaskType string
}

func (p HabitRecorded) EventType() string { return TypeMemoryHabitRecorded }

func (p HabitRecorded) EventData() map[string]any {
	return map[string]any{"habit_id": p.HabitID, "record_id": p.RecordID, "task_type": p.TaskType}
}

// EmotionalSnapshot is the payload of [TypeMemoryEmotionalSnapshot].
type EmotionalSnapshot struct {
	RecordID  string
	SessionID string
	Emotion   string
}

func (p EmotionalSnapshot) EventType() string { return TypeMemoryEmotionalSnapshot }

func (p EmotionalSnapshot) EventData() map[string]any {
	return map[string]any{"record_id": p.RecordID, "session_id": p.SessionID, "emotion": p.Emotion}
}

// AgentCreated is the payload of [TypeAgentCreated].
type AgentCreated struct {
	AgentID string
}

func (p AgentCreated) EventType() string { return TypeAgentCreated }

func (p AgentCreated) EventData() map[string]any {
	return map[string]any{"agent_id": p.AgentID}
}

// AgentMessageCreated is the payload of [TypeAgentMessageCreated].
type AgentMessageCreated struct {
	AgentID string
	Content string
}

func (p AgentMessageCreated) EventType() string { return TypeAgentMessageCreated }

func (p AgentMessageCreated) EventData() map[string]any {
	return map[string]any{"agent_id": p.AgentID, "content": p.Content}
}

// AgentWakeupStarted is the payload of [TypeAgentWakeupStarted].
type AgentWakeupStarted struct {
	AgentID string
}

func (p AgentWakeupStarted) EventType() string { return TypeAgentWakeupStarted }

func (p AgentWakeupStarted) EventData() map[string]any {
	return map[string]any{"agent_id": p.AgentID}
}

// AgentWakeupCompleted is the payload of [TypeAgentWakeupCompleted].
type AgentWakeupCompleted struct {
	AgentID string
	OK      bool
}

func (p AgentWakeupCompleted) EventType() string { return TypeAgentWakeupCompleted }

func (p AgentWakeupCompleted) EventData() map[string]any {
	return map[string]any{"agent_id": p.AgentID, "ok": p.OK}
}

// PluginStateChanged is the payload of [TypePluginStateChanged].
type PluginStateChanged struct {
	Plugin    string
	FromState string
	ToState   string
}

func (p PluginStateChanged) EventType() string { return TypePluginStateChanged }

func (p PluginStateChanged) EventData() map[string]any {
	return map[string]any{"plugin": p.Plugin, "from_state": p.FromState, "to_state": p.ToState}
}
