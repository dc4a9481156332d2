package router

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"relaygate/internal/catalog"
	"relaygate/internal/domain/models"
	"relaygate/internal/provider"
)

type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string                    { return p.name }
func (p *stubProvider) SupportsModel(model string) bool { return true }
func (p *stubProvider) Stream(ctx context.Context, req *provider.StreamRequest) (<-chan provider.Event, error) {
	ch := make(chan provider.Event)
	close(ch)
	return ch, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, cfg Config, providerNames ...string) *Router {
	t.Helper()
	cat, err := catalog.NewRegistry()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	reg := provider.NewRegistry()
	for _, name := range providerNames {
		reg.Register(&stubProvider{name: name})
	}
	return New(cat, reg, NewKeywordClassifier(), NewFeedbackStore(), cfg, testLogger())
}

func TestKeywordClassifierTaskDetection(t *testing.T) {
	c := NewKeywordClassifier()
	cases := []struct {
		message string
		want    models.TaskType
	}{
		{"please refactor this function for me", models.TaskCoding},
		{"summarize this article", models.TaskSummarization},
		{"write a poem about autumn", models.TaskCreativeWriting},
		{"what is the latest news on the election", models.TaskWebResearch},
		{"hello there", models.TaskGenericChat},
	}
	for _, tc := range cases {
		got := c.Classify(context.Background(), tc.message, "")
		if got.TaskType != tc.want {
			t.Errorf("Classify(%q) task = %s, want %s", tc.message, got.TaskType, tc.want)
		}
	}
}

func TestKeywordClassifierWebResearchRequiresWeb(t *testing.T) {
	c := NewKeywordClassifier()
	got := c.Classify(context.Background(), "look up the current weather", "")
	if !got.RequiresWeb {
		t.Error("expected RequiresWeb for a web research task")
	}
}

func TestParseIntentMalformedFallsBack(t *testing.T) {
	for _, raw := range []string{"", "not json", "{broken", "[]"} {
		if _, ok := parseIntent(raw); ok {
			t.Errorf("parseIntent(%q) accepted malformed input", raw)
		}
	}
}

func TestParseIntentExtractsFromChattyOutput(t *testing.T) {
	raw := "Sure! Here is the classification:\n{\"task_type\": \"coding\", \"priority\": \"speed\", \"requires_web\": false, \"estimated_input_tokens\": 42}\nHope that helps."
	intent, ok := parseIntent(raw)
	if !ok {
		t.Fatal("parseIntent rejected valid embedded JSON")
	}
	if intent.TaskType != models.TaskCoding {
		t.Errorf("task = %s, want coding", intent.TaskType)
	}
	if intent.Priority != models.PrioritySpeed {
		t.Errorf("priority = %s, want speed", intent.Priority)
	}
	if intent.EstimatedInputTokens != 42 {
		t.Errorf("estimated tokens = %d, want 42", intent.EstimatedInputTokens)
	}
}

func TestParseIntentUnknownTaskDefaultsToGenericChat(t *testing.T) {
	intent, ok := parseIntent(`{"task_type": "juggling", "priority": "quality"}`)
	if !ok {
		t.Fatal("parseIntent rejected valid JSON")
	}
	if intent.TaskType != models.TaskGenericChat {
		t.Errorf("task = %s, want generic_chat fallback", intent.TaskType)
	}
}

func TestRouteReturnsViableCandidate(t *testing.T) {
	r := newTestRouter(t, Config{Epsilon: 0.0001}, "anthropic", "openai", "lorem")
	decision := r.Route(context.Background(), "please fix this bug in my code", "")
	if decision.Provider == "" || decision.Model == "" {
		t.Fatalf("empty decision: %+v", decision)
	}
	if len(decision.Scores) == 0 {
		t.Fatal("expected candidate scores")
	}
	for i := 1; i < len(decision.Scores); i++ {
		if decision.Scores[i].Total > decision.Scores[i-1].Total {
			t.Fatalf("scores not ordered best-first at index %d", i)
		}
	}
}

func TestRouteDecisionCachedForIdenticalInputs(t *testing.T) {
	r := newTestRouter(t, Config{Epsilon: 0.5}, "anthropic", "openai", "lorem")
	first := r.Route(context.Background(), "say hi", "")
	for i := 0; i < 20; i++ {
		again := r.Route(context.Background(), "say hi", "")
		if again.Provider != first.Provider || again.Model != first.Model {
			t.Fatalf("cached decision changed: %s/%s vs %s/%s",
				first.Provider, first.Model, again.Provider, again.Model)
		}
	}
}

func TestRouteFallbackWhenNoProvidersRegistered(t *testing.T) {
	r := newTestRouter(t, Config{
		DefaultProvider: "lorem",
		DefaultModel:    "lorem-fast",
	})
	decision := r.Route(context.Background(), "hello", "")
	if decision.Provider != "lorem" || decision.Model != "lorem-fast" {
		t.Fatalf("expected fallback defaults, got %s/%s", decision.Provider, decision.Model)
	}
	if len(decision.Scores) != 0 {
		t.Error("fallback decision should carry no scores")
	}
}

func TestContextWindowFiltering(t *testing.T) {
	r := newTestRouter(t, Config{Epsilon: 0.0001}, "lorem")
	intent := DefaultIntent()
	intent.EstimatedInputTokens = 1_000_000
	if scores := r.scoreCandidates(intent); len(scores) != 0 {
		t.Fatalf("expected all lorem models filtered by context window, got %d", len(scores))
	}
}

func TestExplorationPicksRunnerUp(t *testing.T) {
	r := newTestRouter(t, Config{Epsilon: 0.999999}, "anthropic", "openai")
	intent := DefaultIntent()
	scores := r.scoreCandidates(intent)
	if len(scores) < 2 {
		t.Fatal("need at least two candidates")
	}
	decision := r.decide(intent)
	if decision.Provider != scores[1].Provider || decision.Model != scores[1].Model {
		t.Fatalf("expected runner-up %s/%s, got %s/%s",
			scores[1].Provider, scores[1].Model, decision.Provider, decision.Model)
	}
}

func TestPriorityShiftsWinner(t *testing.T) {
	r := newTestRouter(t, Config{Epsilon: 0.0001}, "anthropic", "openai", "lorem")

	quality := models.Intent{TaskType: models.TaskCoding, Priority: models.PriorityQuality}
	cost := models.Intent{TaskType: models.TaskCoding, Priority: models.PriorityCost}

	qs := r.scoreCandidates(quality)
	cs := r.scoreCandidates(cost)
	if len(qs) == 0 || len(cs) == 0 {
		t.Fatal("expected candidates for both priorities")
	}
	if qs[0].Capability < cs[0].Capability {
		t.Errorf("quality winner capability %.2f below cost winner %.2f", qs[0].Capability, cs[0].Capability)
	}
	if cs[0].Cost < qs[0].Cost {
		t.Errorf("cost winner cheapness %.2f below quality winner %.2f", cs[0].Cost, qs[0].Cost)
	}
}

func TestFeedbackRewardDefaultsNeutral(t *testing.T) {
	fs := NewFeedbackStore()
	if got := fs.Reward("anthropic", "claude-sonnet-4-5"); got != 0.5 {
		t.Fatalf("reward = %v, want neutral 0.5", got)
	}
}

func TestFeedbackRewardTracksOutcomes(t *testing.T) {
	fs := NewFeedbackStore()
	for i := 0; i < 4; i++ {
		fs.RecordAttempt("p", "m")
		fs.RecordOutcome("p", "m", true)
	}
	if got := fs.Reward("p", "m"); got != 1.0 {
		t.Errorf("all-positive reward = %v, want 1.0", got)
	}

	for i := 0; i < 4; i++ {
		fs.RecordAttempt("p2", "m")
		fs.RecordOutcome("p2", "m", false)
	}
	if got := fs.Reward("p2", "m"); got != 0.0 {
		t.Errorf("all-negative reward = %v, want 0.0", got)
	}
}
