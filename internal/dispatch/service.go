// Package dispatch is the pipeline behind both message endpoints. It
// validates the request, builds the outbound context, routes it,
// computes the coalesce key, and runs the leader body that talks to the
// upstream provider and broadcasts the token stream through the hub.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"relaygate/internal/coalesce"
	"relaygate/internal/convo"
	"relaygate/internal/domain"
	"relaygate/internal/domain/models"
	"relaygate/internal/hub"
	"relaygate/internal/metrics"
	"relaygate/internal/pacer"
	"relaygate/internal/provider"
	"relaygate/internal/router"
	"relaygate/internal/store"
	"relaygate/internal/thread"
)

// Config tunes the pipeline. Zero values take the defaults below.
type Config struct {
	DefaultProvider string
	DefaultModel    string

	// CoalesceEnabled shares one leader across identical in-flight
	// requests. Off, every request runs its own leader body.
	CoalesceEnabled bool

	// FanoutEnabled shares one hub publisher across coalesced
	// subscribers. Off (debug only), every request gets a private key,
	// so no stream is ever shared.
	FanoutEnabled bool

	// MemoryEnabled and RewriterEnabled are the defaults applied when a
	// request does not carry its own use_memory / use_query_rewriter.
	MemoryEnabled   bool
	RewriterEnabled bool

	MaxRetries   int           // retryable upstream failures, leader only
	RetryBackoff time.Duration // doubled per retry
	MaxTokens    int           // upstream completion cap
	QueueSize    int           // per-subscription event queue

	// FollowerTimeout bounds how long a caller waits for the first
	// event of a shared stream. Once the leader has broadcast anything
	// the wait is bounded by the leader TTL instead, so a healthy
	// long-running stream is never cut short by it.
	FollowerTimeout time.Duration
}

const (
	defaultMaxRetries      = 2
	defaultRetryBackoff    = 250 * time.Millisecond
	defaultMaxTokens       = 1024
	defaultFollowerTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.QueueSize <= 0 {
		c.QueueSize = hub.DefaultQueueSize
	}
	if c.FollowerTimeout <= 0 {
		c.FollowerTimeout = defaultFollowerTimeout
	}
	return c
}

// Request is one dispatch, already stripped of transport concerns.
type Request struct {
	OrgID    string
	ThreadID string
	Role     string
	Content  string

	// Optional client overrides. When both are set the router is skipped.
	Provider string
	Model    string

	UseMemory   *bool
	UseRewriter *bool
}

// Validate rejects malformed dispatches before any work happens.
func (r *Request) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.ThreadID, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.Role, validation.Required, validation.In("user")),
		validation.Field(&r.Content, validation.Required, validation.Length(1, 1<<16)),
	)
	if err != nil {
		return domain.Validationf("invalid request: %v", err)
	}
	if r.OrgID == "" {
		return domain.NewDispatchError(domain.KindAuth, "missing org id", nil)
	}
	return nil
}

// Response is the non-streaming envelope.
type Response struct {
	ThreadID         string                  `json:"thread_id"`
	AssistantContent string                  `json:"assistant_content"`
	ProviderMeta     models.ProviderMeta     `json:"provider_meta"`
	Scores           []models.CandidateScore `json:"scores"`
}

// Outcome is the terminal result of one dispatch participation.
type Outcome struct {
	Output *models.LeaderOutput
	Role   coalesce.Role
	Err    error
}

// StreamHandle is what the SSE handler drives: the route decision for
// the router event, the hub subscription carrying the live stream, and
// the terminal outcome channel.
type StreamHandle struct {
	Key      string
	Decision models.RouteDecision
	Sub      *hub.Subscription
	Done     <-chan Outcome
}

// Service wires the dispatch core together.
type Service struct {
	cfg       Config
	threads   *thread.Store
	builder   *convo.Builder
	router    *router.Router
	coalescer *coalesce.Coalescer
	hub       *hub.Hub
	pacer     *pacer.Pacer
	providers *provider.Registry
	turns     store.TurnStore
	metrics   *metrics.Collector
	logger    *slog.Logger
}

func NewService(
	cfg Config,
	threads *thread.Store,
	builder *convo.Builder,
	rtr *router.Router,
	coalescer *coalesce.Coalescer,
	h *hub.Hub,
	pc *pacer.Pacer,
	providers *provider.Registry,
	turns store.TurnStore,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Service {
	// A leader whose waiters have all returned must keep streaming while
	// any hub subscriber is still attached; the handler only unsubscribes
	// when its client is truly gone.
	coalescer.SetKeepAlive(func(key string) bool {
		return h.SubscriberCount(key) > 0
	})

	return &Service{
		cfg:       cfg.withDefaults(),
		threads:   threads,
		builder:   builder,
		router:    rtr,
		coalescer: coalescer,
		hub:       h,
		pacer:     pc,
		providers: providers,
		turns:     turns,
		metrics:   collector,
		logger:    logger,
	}
}

// plan is the prepared, routed form of a request.
type plan struct {
	req      *Request
	built    convo.Result
	decision models.RouteDecision
	key      string
	shared   bool // key is shared with other identical requests
}

// prepare validates, builds context, routes, and computes the key.
// Context building runs strictly before any turn is appended.
func (s *Service) prepare(ctx context.Context, req *Request) (*plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	built := s.builder.Build(ctx, convo.Input{
		OrgID:       req.OrgID,
		ThreadID:    req.ThreadID,
		UserContent: req.Content,
		UseMemory:   flag(req.UseMemory, s.cfg.MemoryEnabled),
		UseRewriter: flag(req.UseRewriter, s.cfg.RewriterEnabled),
	})

	decision, err := s.route(ctx, req, built)
	if err != nil {
		return nil, err
	}

	p := &plan{req: req, built: built, decision: decision}
	if s.cfg.CoalesceEnabled && s.cfg.FanoutEnabled {
		p.key = CoalesceKey(req.OrgID, req.ThreadID, decision.Provider, decision.Model, built.Messages)
		p.shared = true
	} else {
		// Private key: the hub still transports this request's events but
		// nothing is shared across requests.
		p.key = uuid.NewString()
	}
	return p, nil
}

func (s *Service) route(ctx context.Context, req *Request, built convo.Result) (models.RouteDecision, error) {
	if req.Provider != "" && req.Model != "" {
		if _, err := s.providers.Get(req.Provider); err != nil {
			return models.RouteDecision{}, domain.Validationf("unknown provider %q", req.Provider)
		}
		return models.RouteDecision{
			Provider: req.Provider,
			Model:    req.Model,
			Reason:   "client override",
		}, nil
	}

	decision := s.router.Route(ctx, built.UserContent, convo.HistorySummary(built.History, 2000))
	if _, err := s.providers.Get(decision.Provider); err != nil {
		s.logger.Warn("routed provider unavailable, using default",
			"provider", decision.Provider, "error", err)
		decision.Provider = s.cfg.DefaultProvider
		decision.Model = s.cfg.DefaultModel
		decision.Reason = "fallback: routed provider unavailable"
	}
	if _, err := s.providers.Get(decision.Provider); err != nil {
		return models.RouteDecision{}, domain.NewDispatchError(domain.KindUpstreamFatal,
			"no provider available for dispatch", err)
	}
	return decision, nil
}

// DispatchStream starts a streaming dispatch. The caller must drain
// Sub.C and watch Done; the subscription is registered before the
// coalescer runs so even a follower sees every subsequent delta.
func (s *Service) DispatchStream(ctx context.Context, req *Request) (*StreamHandle, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	sub := s.hub.Subscribe(p.key, s.cfg.QueueSize)
	done := make(chan Outcome, 1)
	go func() {
		done <- s.run(ctx, p)
	}()

	return &StreamHandle{
		Key:      p.key,
		Decision: p.decision,
		Sub:      sub,
		Done:     done,
	}, nil
}

// Dispatch runs a non-streaming dispatch to completion.
func (s *Service) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome := s.run(ctx, p)
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return &Response{
		ThreadID:         req.ThreadID,
		AssistantContent: outcome.Output.FinalContent,
		ProviderMeta:     outcome.Output.ProviderMeta,
		Scores:           p.decision.Scores,
	}, nil
}

// run executes the coalesced leader body (or joins one in flight) and
// records metrics and router feedback for the participation.
func (s *Service) run(ctx context.Context, p *plan) Outcome {
	start := time.Now()
	fn := s.leaderFn(p)

	var (
		out  *models.LeaderOutput
		role coalesce.Role
		err  error
	)
	if s.cfg.CoalesceEnabled {
		// The timeout guards only the wait for the first streamed event.
		// Once the shared publisher has broadcast anything the caller
		// waits for the leader to finish, bounded by the leader TTL.
		waitCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		guard := time.AfterFunc(s.cfg.FollowerTimeout, func() {
			if !s.hub.Started(p.key) {
				cancel(context.DeadlineExceeded)
			}
		})
		defer guard.Stop()
		out, role, err = s.coalescer.Run(waitCtx, p.key, fn)
	} else {
		role = coalesce.RoleLeader
		out, err = fn(ctx)
	}

	s.record(p, role, out, err, time.Since(start))
	return Outcome{Output: out, Role: role, Err: err}
}

func (s *Service) record(p *plan, role coalesce.Role, out *models.LeaderOutput, err error, elapsed time.Duration) {
	s.metrics.ObserveCoalesceRole(string(role))

	rec := metrics.Record{
		Provider:     p.decision.Provider,
		Model:        p.decision.Model,
		CoalesceRole: string(role),
		TotalMs:      elapsed.Milliseconds(),
	}
	if out != nil {
		rec.TTFTMs = out.ProviderMeta.TTFTMs
		rec.QueueWaitMs = out.ProviderMeta.QueueWaitMs
		rec.Retries = out.ProviderMeta.Retries
	}
	if err != nil {
		rec.ErrorKind = string(domain.AsDispatchError(err).Kind)
	}
	s.metrics.Observe(rec)

	if role == coalesce.RoleLeader {
		s.router.Feedback().RecordAttempt(p.decision.Provider, p.decision.Model)
		s.router.Feedback().RecordOutcome(p.decision.Provider, p.decision.Model, err == nil)
	}
}

// leaderFn builds the at-most-once leader body for a plan. The body
// owns every write: the user turn append, the upstream call, the hub
// broadcast, the assistant turn append, and persistence.
func (s *Service) leaderFn(p *plan) coalesce.LeaderFunc {
	return func(ctx context.Context) (*models.LeaderOutput, error) {
		start := time.Now()
		pub := s.hub.Publisher(p.key)

		s.threads.AppendTurn(p.req.ThreadID, models.Turn{
			Role:      models.RoleUser,
			Content:   p.req.Content,
			CreatedAt: time.Now(),
		})

		prov, err := s.providers.Get(p.decision.Provider)
		if err != nil {
			de := domain.NewDispatchError(domain.KindUpstreamFatal, "provider vanished after routing", err)
			pub.Close(&hub.Event{Type: hub.EventError, Data: NewErrorPayload(de)})
			return nil, de
		}

		var lastErr *domain.DispatchError
		retries := 0
		for attempt := 0; ; attempt++ {
			out, published, de := s.attempt(ctx, pub, prov, p, start, retries)
			if de == nil {
				return s.finishLeader(ctx, pub, p, out)
			}
			lastErr = de

			// Retry only clean failures: a stream that already broadcast
			// deltas cannot be restarted without duplicating content.
			if published || !de.Retryable || attempt >= s.cfg.MaxRetries {
				break
			}
			retries++
			backoff := s.cfg.RetryBackoff << attempt
			if de.Kind == domain.KindRateLimited && de.RetryAfter > backoff {
				backoff = de.RetryAfter
			}
			s.logger.Warn("leader attempt failed, retrying",
				"key", p.key, "attempt", attempt, "backoff", backoff, "error", de)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = domain.AsDispatchError(ctx.Err())
			}
			if ctx.Err() != nil {
				break
			}
		}

		pub.Close(&hub.Event{Type: hub.EventError, Data: NewErrorPayload(lastErr)})
		return nil, lastErr
	}
}

// attempt makes one upstream call. published reports whether any delta
// reached the hub, which forbids retrying.
func (s *Service) attempt(ctx context.Context, pub *hub.Publisher, prov provider.Provider, p *plan, start time.Time, retries int) (*models.LeaderOutput, bool, *domain.DispatchError) {
	permit, err := s.pacer.Acquire(ctx, p.decision.Provider)
	if err != nil {
		return nil, false, domain.AsDispatchError(err)
	}
	defer permit.Release()

	events, err := prov.Stream(ctx, &provider.StreamRequest{
		Model:     p.decision.Model,
		Messages:  p.built.Messages,
		MaxTokens: s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, false, domain.AsDispatchError(err)
	}

	var (
		content   strings.Builder
		usage     models.Usage
		ttftMs    int64
		published bool
	)
	for ev := range events {
		switch ev.Type {
		case provider.EventDelta:
			if !published {
				ttftMs = time.Since(start).Milliseconds()
				pub.Publish(hub.Event{Type: hub.EventMeta, Data: MetaPayload{
					TTFTMs:      ttftMs,
					QueueWaitMs: permit.QueueWait.Milliseconds(),
					Provider:    p.decision.Provider,
					Model:       p.decision.Model,
				}})
				published = true
			}
			content.WriteString(ev.Content)
			pub.Publish(hub.Event{Type: hub.EventDelta, Data: DeltaPayload{Type: "delta", Content: ev.Content}})
		case provider.EventUsage:
			usage = ev.Usage
		case provider.EventError:
			return nil, published, domain.AsDispatchError(ev.Err)
		case provider.EventEnd:
			// Channel close follows; nothing to do.
		}
	}

	// An event channel that closed because the context died is a cut
	// stream, not a completed one, whatever was broadcast before.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, published, domain.AsDispatchError(ctxErr)
	}

	if !published {
		return nil, false, domain.NewDispatchError(domain.KindUpstreamTransient,
			"upstream stream ended without content", nil)
	}

	final := content.String()
	return &models.LeaderOutput{
		FinalContent: final,
		FinalHash:    contentHash(final),
		TotalMs:      time.Since(start).Milliseconds(),
		ProviderMeta: models.ProviderMeta{
			Usage:       usage,
			TTFTMs:      ttftMs,
			QueueWaitMs: permit.QueueWait.Milliseconds(),
			Retries:     retries,
			Provider:    p.decision.Provider,
			Model:       p.decision.Model,
		},
	}, true, nil
}

// finishLeader commits a successful leader run: assistant turn append,
// best-effort persistence, and the final done broadcast.
func (s *Service) finishLeader(ctx context.Context, pub *hub.Publisher, p *plan, out *models.LeaderOutput) (*models.LeaderOutput, error) {
	s.threads.AppendTurn(p.req.ThreadID, models.Turn{
		Role:      models.RoleAssistant,
		Content:   out.FinalContent,
		CreatedAt: time.Now(),
	})

	now := time.Now().UTC()
	if err := s.turns.SaveTurns(ctx, []*store.PersistedTurn{
		{
			OrgID:     p.req.OrgID,
			ThreadID:  p.req.ThreadID,
			Role:      string(models.RoleUser),
			Content:   p.req.Content,
			CreatedAt: now,
		},
		{
			OrgID:        p.req.OrgID,
			ThreadID:     p.req.ThreadID,
			Role:         string(models.RoleAssistant),
			Content:      out.FinalContent,
			Provider:     out.ProviderMeta.Provider,
			Model:        out.ProviderMeta.Model,
			InputTokens:  out.ProviderMeta.Usage.InputTokens,
			OutputTokens: out.ProviderMeta.Usage.OutputTokens,
			CreatedAt:    now.Add(time.Millisecond),
		},
	}); err != nil {
		// Persistence is best effort; the dispatch already succeeded.
		s.logger.Warn("turn persistence failed", "thread_id", p.req.ThreadID, "error", err)
	}

	pub.Close(&hub.Event{Type: hub.EventDone, Data: DonePayload{
		TotalMs:   out.TotalMs,
		FinalHash: out.FinalHash,
		Usage:     out.ProviderMeta.Usage,
	}})
	return out, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

func flag(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}
