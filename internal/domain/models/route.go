package models

// TaskType is the router's classification of what the user is asking for.
type TaskType string

const (
	TaskCoding           TaskType = "coding"
	TaskWebResearch      TaskType = "web_research"
	TaskDeepReasoning    TaskType = "deep_reasoning"
	TaskSummarization    TaskType = "summarization"
	TaskDocumentAnalysis TaskType = "document_analysis"
	TaskCreativeWriting  TaskType = "creative_writing"
	TaskMath             TaskType = "math"
	TaskGenericChat      TaskType = "generic_chat"
)

// Priority steers the scoring weights.
type Priority string

const (
	PriorityQuality Priority = "quality"
	PrioritySpeed   Priority = "speed"
	PriorityCost    Priority = "cost"
)

// Intent is the classifier output. Malformed classifier responses fall
// back to the zero-value-adjacent defaults (generic_chat / quality).
type Intent struct {
	TaskType             TaskType `json:"task_type"`
	Priority             Priority `json:"priority"`
	RequiresWeb          bool     `json:"requires_web"`
	EstimatedInputTokens int      `json:"estimated_input_tokens"`
}

// CandidateScore is one scored provider/model pair.
type CandidateScore struct {
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Total      float64 `json:"total"`
	Capability float64 `json:"capability"`
	Latency    float64 `json:"latency"`
	Cost       float64 `json:"cost"`
	Historical float64 `json:"historical"`
}

// RouteDecision is the router's verdict, emitted to the client in the
// router SSE event for observability.
type RouteDecision struct {
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Reason   string           `json:"reason"`
	Scores   []CandidateScore `json:"scores"`
}
