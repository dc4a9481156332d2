// Package router selects the provider and model for a dispatch. It
// classifies the request into a task type, scores every viable
// candidate from the catalog against weighted capability, latency,
// cost, and historical-reward terms, and caches decisions so that
// equivalent requests route identically while a decision is warm.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"relaygate/internal/catalog"
	"relaygate/internal/domain/models"
	"relaygate/internal/provider"
)

const (
	DefaultEpsilon          = 0.1
	DefaultDecisionCacheTTL = 30 * time.Second
	defaultDecisionCacheLen = 1024
)

// weights steer the scoring mix per declared priority.
type weights struct {
	capability float64
	latency    float64
	cost       float64
	historical float64
}

var priorityWeights = map[models.Priority]weights{
	models.PriorityQuality: {capability: 0.5, latency: 0.1, cost: 0.1, historical: 0.3},
	models.PrioritySpeed:   {capability: 0.2, latency: 0.5, cost: 0.1, historical: 0.2},
	models.PriorityCost:    {capability: 0.2, latency: 0.1, cost: 0.5, historical: 0.2},
}

// Config tunes the router. Zero values take the defaults above.
type Config struct {
	// Epsilon is the exploration probability: how often the router
	// deliberately picks the runner-up to keep historical scores honest.
	Epsilon float64

	// DecisionCacheTTL bounds how long an input fingerprint maps to a
	// fixed decision. Within the TTL, identical requests route
	// identically, which keeps coalescing sound even with exploration.
	DecisionCacheTTL time.Duration

	// Fallback candidate when no catalog entry is viable.
	DefaultProvider string
	DefaultModel    string
}

// Router scores provider/model candidates and returns a RouteDecision.
type Router struct {
	catalog    *catalog.Registry
	providers  *provider.Registry
	classifier Classifier
	feedback   *FeedbackStore
	cache      *expirable.LRU[uint64, models.RouteDecision]
	cfg        Config
	logger     *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cat *catalog.Registry, providers *provider.Registry, classifier Classifier, feedback *FeedbackStore, cfg Config, logger *slog.Logger) *Router {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.DecisionCacheTTL <= 0 {
		cfg.DecisionCacheTTL = DefaultDecisionCacheTTL
	}
	return &Router{
		catalog:    cat,
		providers:  providers,
		classifier: classifier,
		feedback:   feedback,
		cache:      expirable.NewLRU[uint64, models.RouteDecision](defaultDecisionCacheLen, nil, cfg.DecisionCacheTTL),
		cfg:        cfg,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Feedback exposes the reward store so the dispatch pipeline can report
// outcomes after each leader run.
func (r *Router) Feedback() *FeedbackStore {
	return r.feedback
}

// Route picks a provider and model for the given user message. It never
// returns an error: when no candidate is viable it falls back to the
// configured defaults and says so in the decision reason.
func (r *Router) Route(ctx context.Context, userMessage, historySummary string) models.RouteDecision {
	fp := decisionFingerprint(userMessage, historySummary)
	if cached, ok := r.cache.Get(fp); ok {
		return cached
	}

	intent := r.classifier.Classify(ctx, userMessage, historySummary)
	decision := r.decide(intent)
	r.cache.Add(fp, decision)

	r.logger.Debug("route decision",
		"provider", decision.Provider,
		"model", decision.Model,
		"task_type", intent.TaskType,
		"priority", intent.Priority,
		"reason", decision.Reason,
	)
	return decision
}

func (r *Router) decide(intent models.Intent) models.RouteDecision {
	scores := r.scoreCandidates(intent)
	if len(scores) == 0 {
		return models.RouteDecision{
			Provider: r.cfg.DefaultProvider,
			Model:    r.cfg.DefaultModel,
			Reason:   "fallback: no viable candidate",
		}
	}

	pick := 0
	reason := fmt.Sprintf("task=%s priority=%s score=%.3f", intent.TaskType, intent.Priority, scores[0].Total)
	if len(scores) > 1 && r.explore() {
		pick = 1
		reason = fmt.Sprintf("exploration: task=%s runner-up score=%.3f", intent.TaskType, scores[1].Total)
	}
	return models.RouteDecision{
		Provider: scores[pick].Provider,
		Model:    scores[pick].Model,
		Reason:   reason,
		Scores:   scores,
	}
}

// scoreCandidates returns all viable candidates ordered best first.
// Candidates whose context window cannot fit the estimated input are
// excluded, as are catalog providers with no registered adapter.
func (r *Router) scoreCandidates(intent models.Intent) []models.CandidateScore {
	w, ok := priorityWeights[intent.Priority]
	if !ok {
		w = priorityWeights[models.PriorityQuality]
	}

	var scores []models.CandidateScore
	names := r.catalog.Providers()
	sort.Strings(names)
	for _, name := range names {
		if _, err := r.providers.Get(name); err != nil {
			continue
		}
		for _, info := range r.catalog.Models(name) {
			if info.ContextWindow > 0 && intent.EstimatedInputTokens > info.ContextWindow {
				continue
			}
			capability := info.CapabilityFor(string(intent.TaskType))
			latency := speedScore(info.TypicalTTFTMs)
			cost := cheapnessScore(info.InputPrice, info.OutputPrice)
			historical := r.feedback.Reward(name, info.ID)
			scores = append(scores, models.CandidateScore{
				Provider:   name,
				Model:      info.ID,
				Capability: capability,
				Latency:    latency,
				Cost:       cost,
				Historical: historical,
				Total:      w.capability*capability + w.latency*latency + w.cost*cost + w.historical*historical,
			})
		}
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Total != scores[j].Total {
			return scores[i].Total > scores[j].Total
		}
		if scores[i].Provider != scores[j].Provider {
			return scores[i].Provider < scores[j].Provider
		}
		return scores[i].Model < scores[j].Model
	})
	return scores
}

func (r *Router) explore() bool {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64() < r.cfg.Epsilon
}

// speedScore maps typical TTFT into 0..1, higher is faster. A 1s TTFT
// scores 0.5.
func speedScore(ttftMs int) float64 {
	if ttftMs <= 0 {
		return 1
	}
	return 1 / (1 + float64(ttftMs)/1000)
}

// cheapnessScore maps blended USD-per-million pricing into 0..1, higher
// is cheaper. Free models score 1.
func cheapnessScore(inputPrice, outputPrice float64) float64 {
	blended := inputPrice + outputPrice
	if blended <= 0 {
		return 1
	}
	return 1 / (1 + blended/10)
}

func decisionFingerprint(userMessage, historySummary string) uint64 {
	d := xxhash.New()
	d.WriteString(userMessage)
	d.Write([]byte{0})
	d.WriteString(historySummary)
	return d.Sum64()
}
