// Package chat composes admission control, credit accounting, prompt
// assembly, provider invocation and session persistence into one request
// lifecycle, shared by the single-shot and streaming paths.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborlabs/chatgate/internal/admission"
	"github.com/harborlabs/chatgate/internal/circuitbreaker"
	"github.com/harborlabs/chatgate/internal/credit"
	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/metrics"
	"github.com/harborlabs/chatgate/internal/provider"
	"github.com/harborlabs/chatgate/internal/queue"
	"github.com/harborlabs/chatgate/internal/registry"
	"github.com/harborlabs/chatgate/internal/repository"
	"github.com/harborlabs/chatgate/internal/search"
	"github.com/harborlabs/chatgate/internal/telemetry"
)

const defaultSystemPrompt = "You are the assistant built into this workspace. Answer clearly and concisely."

const webSearchSystemPrompt = defaultSystemPrompt + `

Web search results for the user's message are provided below. Use them when
they are relevant and cite the source title when you do.

%s`

// SearchUnavailablePlaceholder replaces the result block whenever the
// search collaborator fails or is not configured. The chat proceeds.
const SearchUnavailablePlaceholder = "(web search results are not available for this request)"

type Config struct {
	Registry     *registry.Registry
	Admission    *admission.Controller
	Ledger       *credit.Ledger
	Sessions     repository.SessionStore
	Searcher     search.Client   // nil when no search credential is configured
	Breakers     *circuitbreaker.Manager
	Usage        queue.Publisher // nil disables usage events
	HistoryLimit int
}

type Orchestrator struct {
	registry     *registry.Registry
	admission    *admission.Controller
	ledger       *credit.Ledger
	sessions     repository.SessionStore
	searcher     search.Client
	breakers     *circuitbreaker.Manager
	usage        queue.Publisher
	historyLimit int
}

func New(cfg Config) *Orchestrator {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Orchestrator{
		registry:     cfg.Registry,
		admission:    cfg.Admission,
		ledger:       cfg.Ledger,
		sessions:     cfg.Sessions,
		searcher:     cfg.Searcher,
		breakers:     cfg.Breakers,
		usage:        cfg.Usage,
		historyLimit: historyLimit,
	}
}

// turn carries one admitted request through invocation and persistence.
type turn struct {
	requestID string
	account   *domain.Account
	req       domain.ChatRequest
	desc      *registry.Descriptor
	messages  []domain.Message
	cost      int64
	remaining *int64
	degraded  bool
	start     time.Time
}

// Chat runs a single-shot turn.
func (o *Orchestrator) Chat(ctx context.Context, account *domain.Account, req domain.ChatRequest, requestID string) (*domain.ChatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "chat.turn")
	defer span.End()

	t, release, err := o.prepare(ctx, account, req, requestID, false)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	defer release()

	telemetry.AddTurnAttributes(span, account.ID, t.desc.Provider, t.desc.ID, requestID)
	telemetry.AddWebSearchAttribute(span, req.WebSearch, t.degraded)
	telemetry.AddCreditAttribute(span, t.cost)

	reply, err := o.invoke(ctx, t, nil)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(t.desc.Provider, t.desc.ID, "chat", "error", time.Since(t.start).Seconds())
		return nil, err
	}

	o.finish(ctx, t, reply, false)
	return o.response(t, reply), nil
}

// PreparedStream is an admitted streaming turn whose concurrency slot is
// already held. Release is idempotent and must run on every exit path; the
// transport layer defers it alongside its own disconnect handling.
type PreparedStream struct {
	t       *turn
	Release func()
}

// PrepareStream validates and admits a streaming turn up to, but not
// including, the provider call. Errors here can still be reported as
// conventional responses; everything after the transport commits its
// stream travels in-band.
func (o *Orchestrator) PrepareStream(ctx context.Context, account *domain.Account, req domain.ChatRequest, requestID string) (*PreparedStream, error) {
	// Ad-hoc history is a single-shot affordance.
	req.History = nil

	t, release, err := o.prepare(ctx, account, req, requestID, true)
	if err != nil {
		return nil, err
	}
	return &PreparedStream{t: t, Release: release}, nil
}

// ExecuteStream invokes the provider, forwarding each fragment to sink, and
// persists the completed exchange. The slot is released here as well;
// release is idempotent so the transport's deferred call is safe.
func (o *Orchestrator) ExecuteStream(ctx context.Context, prep *PreparedStream, sink provider.Sink) (*domain.ChatResponse, error) {
	t := prep.t
	defer prep.Release()

	ctx, span := telemetry.StartSpan(ctx, "chat.stream")
	defer span.End()
	telemetry.AddTurnAttributes(span, t.account.ID, t.desc.Provider, t.desc.ID, t.requestID)
	telemetry.AddWebSearchAttribute(span, t.req.WebSearch, t.degraded)
	telemetry.AddCreditAttribute(span, t.cost)

	reply, err := o.invoke(ctx, t, sink)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(t.desc.Provider, t.desc.ID, "stream", "error", time.Since(t.start).Seconds())
		return nil, err
	}

	o.finish(ctx, t, reply, true)
	return o.response(t, reply), nil
}

func (o *Orchestrator) prepare(ctx context.Context, account *domain.Account, req domain.ChatRequest, requestID string, streaming bool) (_ *turn, release func(), err error) {
	// 1. Resolve the model: explicit id, caller override, or the default.
	desc, err := o.resolveModel(req)
	if err != nil {
		return nil, nil, err
	}

	// 2. Admission. The rejected attempt still consumes budget.
	if err := o.admission.CheckRateLimit(ctx, account.ID, req.WebSearch); err != nil {
		return nil, nil, err
	}

	release = func() {}
	if streaming {
		release, err = o.admission.ReserveStreamSlot(account.ID)
		if err != nil {
			metrics.RecordSlotRejection()
			return nil, nil, err
		}
	}
	admitted := false
	defer func() {
		if !admitted {
			release()
		}
	}()

	// 3. History: session-backed when a session id was supplied, otherwise
	// the caller's ad-hoc list.
	history, err := o.loadHistory(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	// 4. Credit: quote, then charge or reject atomically.
	cost := o.ledger.Quote(req.WebSearch, req.OwnKey != nil)
	remaining, err := o.ledger.Debit(ctx, account.ID, cost)
	if err != nil {
		return nil, nil, err
	}

	// 5+6. Augmentation and composition.
	systemPrompt, degraded := o.systemPrompt(ctx, req)
	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: req.Message})

	admitted = true
	return &turn{
		requestID: requestID,
		account:   account,
		req:       req,
		desc:      desc,
		messages:  messages,
		cost:      cost,
		remaining: remaining,
		degraded:  degraded,
		start:     time.Now(),
	}, release, nil
}

func (o *Orchestrator) resolveModel(req domain.ChatRequest) (*registry.Descriptor, error) {
	if req.OwnKey != nil {
		model := req.OwnKey.Model
		if model == "" {
			model = req.Model
		}
		if desc, ok := o.registry.BuildFromOverride(model, req.OwnKey.Provider, req.OwnKey.APIKey); ok {
			return desc, nil
		}
		return nil, domain.ErrModelUnavailable
	}

	if req.Model != "" {
		desc, ok := o.registry.Lookup(req.Model)
		if !ok {
			return nil, domain.ErrModelNotFound
		}
		return desc, nil
	}

	desc, ok := o.registry.Default()
	if !ok {
		return nil, domain.ErrModelUnavailable
	}
	return desc, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, req domain.ChatRequest) ([]domain.Message, error) {
	if req.SessionID != "" {
		stored, err := o.sessions.RecentMessages(ctx, req.SessionID, o.historyLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		history := make([]domain.Message, 0, len(stored))
		for _, m := range stored {
			history = append(history, domain.Message{Role: m.Role, Content: m.Content})
		}
		return history, nil
	}

	history := req.History
	if len(history) > domain.MaxAdHocHistory {
		history = history[len(history)-domain.MaxAdHocHistory:]
	}
	return history, nil
}

// systemPrompt returns the composed system prompt and whether web search
// degraded. Search failure never fails the request.
func (o *Orchestrator) systemPrompt(ctx context.Context, req domain.ChatRequest) (string, bool) {
	if !req.WebSearch {
		return defaultSystemPrompt, false
	}

	if o.searcher == nil {
		metrics.RecordDegradedOp("search")
		return fmt.Sprintf(webSearchSystemPrompt, SearchUnavailablePlaceholder), true
	}

	results, err := o.searcher.Search(ctx, req.Message)
	if err != nil {
		slog.Warn("web search degraded", "error", err)
		metrics.RecordDegradedOp("search")
		return fmt.Sprintf(webSearchSystemPrompt, SearchUnavailablePlaceholder), true
	}

	return fmt.Sprintf(webSearchSystemPrompt, results), false
}

func (o *Orchestrator) invoke(ctx context.Context, t *turn, sink provider.Sink) (string, error) {
	breaker := o.breakers.Get(t.desc.Provider)
	if err := breaker.Allow(); err != nil {
		return "", &domain.UpstreamError{Provider: t.desc.Provider, Err: err}
	}

	var reply string
	var err error
	if sink == nil {
		reply, err = t.desc.Adapter.Send(ctx, t.desc.UpstreamID, t.messages, t.desc.APIKey)
	} else {
		reply, err = t.desc.Adapter.SendStream(ctx, t.desc.UpstreamID, t.messages, t.desc.APIKey, sink)
	}

	if err != nil {
		// A client that walked away is not an upstream fault.
		if !errors.Is(err, context.Canceled) {
			breaker.RecordFailure()
			metrics.RecordProviderError(t.desc.Provider)
		}
		return reply, &domain.UpstreamError{Provider: t.desc.Provider, Err: err}
	}

	breaker.RecordSuccess()
	return reply, nil
}

// finish persists the exchange and publishes the usage event. Both are
// deliberately non-fatal: the caller already has a valid answer.
func (o *Orchestrator) finish(ctx context.Context, t *turn, reply string, streamed bool) {
	// Persistence must survive the client hanging up right after the last
	// fragment.
	ctx = context.WithoutCancel(ctx)

	if t.req.SessionID != "" {
		if err := o.sessions.AppendExchange(ctx, t.req.SessionID, t.desc.ID, t.req.Message, reply); err != nil {
			slog.Warn("session persistence failed",
				"error", err,
				"session_id", t.req.SessionID,
				"request_id", t.requestID,
			)
			metrics.RecordDegradedOp("persist")
		}
	}

	if o.usage != nil {
		event := queue.UsageEvent{
			RequestID:      t.requestID,
			AccountID:      t.account.ID,
			Model:          t.desc.ID,
			Provider:       t.desc.Provider,
			WebSearch:      t.req.WebSearch,
			Streamed:       streamed,
			CreditsCharged: t.cost,
			LatencyMs:      time.Since(t.start).Milliseconds(),
			CreatedAt:      time.Now(),
		}
		if err := o.usage.Publish(ctx, event); err != nil {
			slog.Warn("usage event failed", "error", err, "request_id", t.requestID)
			metrics.RecordDegradedOp("usage")
		}
	}

	kind := "chat"
	if streamed {
		kind = "stream"
	}
	metrics.RecordRequest(t.desc.Provider, t.desc.ID, kind, "success", time.Since(t.start).Seconds())

	slog.Info("chat turn completed",
		"request_id", t.requestID,
		"account_id", t.account.ID,
		"model", t.desc.ID,
		"provider", t.desc.Provider,
		"streamed", streamed,
		"latency_ms", time.Since(t.start).Milliseconds(),
	)
}

func (o *Orchestrator) response(t *turn, reply string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Reply:            reply,
		Model:            t.desc.ID,
		Provider:         t.desc.Provider,
		CreditsRemaining: t.remaining,
	}
}
