package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"relaygate/internal/domain/models"
	"relaygate/internal/provider"
)

// Classifier infers what kind of task a user message represents. A
// classifier must never fail a request: malformed or missing output
// falls back to DefaultIntent.
type Classifier interface {
	Classify(ctx context.Context, userMessage, historySummary string) models.Intent
}

// DefaultIntent is the fallback when classification is unavailable or
// produces garbage.
func DefaultIntent() models.Intent {
	return models.Intent{
		TaskType: models.TaskGenericChat,
		Priority: models.PriorityQuality,
	}
}

// KeywordClassifier is a zero-dependency heuristic classifier. It scans
// the user message for task-indicative keywords and estimates input
// size from the raw text length.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var keywordTasks = []struct {
	task     models.TaskType
	keywords []string
}{
	{models.TaskCoding, []string{"code", "function", "bug", "compile", "refactor", "stack trace", "golang", "python", "javascript", "sql"}},
	{models.TaskMath, []string{"calculate", "equation", "integral", "derivative", "probability", "solve for"}},
	{models.TaskSummarization, []string{"summarize", "summary", "tl;dr", "key points"}},
	{models.TaskDocumentAnalysis, []string{"document", "contract", "analyze this", "extract", "table"}},
	{models.TaskCreativeWriting, []string{"story", "poem", "write a", "lyrics", "fiction"}},
	{models.TaskWebResearch, []string{"latest", "current", "news", "search", "look up", "today"}},
	{models.TaskDeepReasoning, []string{"why", "explain", "prove", "reason", "tradeoff", "compare"}},
}

func (c *KeywordClassifier) Classify(_ context.Context, userMessage, historySummary string) models.Intent {
	intent := DefaultIntent()
	lower := strings.ToLower(userMessage)
	for _, entry := range keywordTasks {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				intent.TaskType = entry.task
				break
			}
		}
		if intent.TaskType != models.TaskGenericChat {
			break
		}
	}
	if intent.TaskType == models.TaskWebResearch {
		intent.RequiresWeb = true
	}
	intent.EstimatedInputTokens = estimateTokens(userMessage) + estimateTokens(historySummary)
	return intent
}

// estimateTokens approximates token count as chars/4, the usual rule of
// thumb for English text.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

const classifierPrompt = `Classify the user request. Respond with only a JSON object:
{"task_type": one of [coding, web_research, deep_reasoning, summarization, document_analysis, creative_writing, math, generic_chat],
 "priority": one of [quality, speed, cost],
 "requires_web": bool,
 "estimated_input_tokens": int}`

// LLMClassifier asks a cheap model to classify the request. Any
// failure, timeout, or malformed response falls back to the keyword
// heuristic so classification can never abort a dispatch.
type LLMClassifier struct {
	provider provider.Provider
	model    string
	timeout  time.Duration
	fallback *KeywordClassifier
	logger   *slog.Logger
}

func NewLLMClassifier(p provider.Provider, model string, timeout time.Duration, logger *slog.Logger) *LLMClassifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &LLMClassifier{
		provider: p,
		model:    model,
		timeout:  timeout,
		fallback: NewKeywordClassifier(),
		logger:   logger,
	}
}

func (c *LLMClassifier) Classify(ctx context.Context, userMessage, historySummary string) models.Intent {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := provider.StreamRequest{
		Model: c.model,
		Messages: []models.MessageEnvelope{
			{Role: models.RoleSystem, Content: classifierPrompt},
			{Role: models.RoleUser, Content: "History: " + historySummary + "\n\nRequest: " + userMessage},
		},
		MaxTokens: 200,
	}
	events, err := c.provider.Stream(ctx, &req)
	if err != nil {
		c.logger.Warn("classifier call failed, using keyword fallback", "error", err)
		return c.fallback.Classify(ctx, userMessage, historySummary)
	}

	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventDelta:
			sb.WriteString(ev.Content)
		case provider.EventError:
			c.logger.Warn("classifier stream failed, using keyword fallback", "error", ev.Err)
			return c.fallback.Classify(ctx, userMessage, historySummary)
		}
	}
	intent, ok := parseIntent(sb.String())
	if !ok {
		c.logger.Warn("classifier returned malformed output, using keyword fallback")
		return c.fallback.Classify(ctx, userMessage, historySummary)
	}
	if intent.EstimatedInputTokens <= 0 {
		intent.EstimatedInputTokens = estimateTokens(userMessage) + estimateTokens(historySummary)
	}
	return intent
}

// parseIntent extracts an Intent from possibly chatty model output. The
// model sometimes wraps the JSON in prose or code fences; gjson finds
// the fields regardless.
func parseIntent(raw string) (models.Intent, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return models.Intent{}, false
	}
	body := raw[start : end+1]
	if !gjson.Valid(body) {
		return models.Intent{}, false
	}

	intent := DefaultIntent()
	if task := gjson.Get(body, "task_type").String(); validTaskType(task) {
		intent.TaskType = models.TaskType(task)
	}
	switch gjson.Get(body, "priority").String() {
	case string(models.PrioritySpeed):
		intent.Priority = models.PrioritySpeed
	case string(models.PriorityCost):
		intent.Priority = models.PriorityCost
	}
	intent.RequiresWeb = gjson.Get(body, "requires_web").Bool()
	intent.EstimatedInputTokens = int(gjson.Get(body, "estimated_input_tokens").Int())
	return intent, true
}

func validTaskType(s string) bool {
	switch models.TaskType(s) {
	case models.TaskCoding, models.TaskWebResearch, models.TaskDeepReasoning,
		models.TaskSummarization, models.TaskDocumentAnalysis,
		models.TaskCreativeWriting, models.TaskMath, models.TaskGenericChat:
		return true
	}
	return false
}
