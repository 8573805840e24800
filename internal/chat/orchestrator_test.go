package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/harborlabs/chatgate/internal/admission"
	"github.com/harborlabs/chatgate/internal/circuitbreaker"
	"github.com/harborlabs/chatgate/internal/config"
	"github.com/harborlabs/chatgate/internal/credit"
	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/provider"
	"github.com/harborlabs/chatgate/internal/queue"
	"github.com/harborlabs/chatgate/internal/registry"
	"github.com/harborlabs/chatgate/internal/repository"
	"github.com/harborlabs/chatgate/internal/search"
)

type fakeAdapter struct {
	mu     sync.Mutex
	reply  string
	deltas []string
	err    error

	calls        int
	lastModel    string
	lastAPIKey   string
	lastMessages []domain.Message
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) record(model string, messages []domain.Message, apiKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastModel = model
	f.lastAPIKey = apiKey
	f.lastMessages = messages
}

func (f *fakeAdapter) Send(ctx context.Context, model string, messages []domain.Message, apiKey string) (string, error) {
	f.record(model, messages, apiKey)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeAdapter) SendStream(ctx context.Context, model string, messages []domain.Message, apiKey string, sink provider.Sink) (string, error) {
	f.record(model, messages, apiKey)
	if f.err != nil {
		return "", f.err
	}

	deltas := f.deltas
	if deltas == nil {
		deltas = []string{f.reply}
	}
	var full strings.Builder
	for _, d := range deltas {
		full.WriteString(d)
		if err := sink(d); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

type fakeSearcher struct {
	block string
	err   error
}

func (f *fakeSearcher) Search(ctx context.Context, query string) (string, error) {
	return f.block, f.err
}

type failingSessionStore struct{}

func (failingSessionStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.StoredMessage, error) {
	return nil, nil
}

func (failingSessionStore) AppendExchange(ctx context.Context, sessionID, model, userText, assistantText string) error {
	return errors.New("database gone")
}

type fixture struct {
	orch     *Orchestrator
	adapter  *fakeAdapter
	accounts *repository.InMemoryAccountStore
	sessions *repository.InMemorySessionStore
	usage    *queue.InMemoryPublisher
	adm      *admission.Controller
	account  *domain.Account
}

type fixtureOpts struct {
	chatRPM        int
	webSearchRPM   int
	maxStreams     int
	creditsEnabled bool
	chatCost       int64
	searchCost     int64
	credits        int64
	searcher       search.Client
	sessions       repository.SessionStore
	noModels       bool
}

func defaultOpts() fixtureOpts {
	return fixtureOpts{
		chatRPM:        100,
		webSearchRPM:   100,
		maxStreams:     10,
		creditsEnabled: true,
		chatCost:       1,
		searchCost:     2,
		credits:        10,
	}
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	adapter := &fakeAdapter{reply: "hello back"}

	reg := registry.New()
	if !opts.noModels {
		reg.Register(&registry.Descriptor{
			ID: "test-model", DisplayName: "Test Model", Provider: "fake",
			UpstreamID: "test-model-v1", Adapter: adapter,
		})
		reg.Register(&registry.Descriptor{
			ID: "other-model", DisplayName: "Other Model", Provider: "fake",
			UpstreamID: "other-model-v1", Adapter: adapter,
		})
	}

	adm := admission.NewController(admission.NewInMemoryCounterStore(), admission.Config{
		ChatRPM:       opts.chatRPM,
		WebSearchRPM:  opts.webSearchRPM,
		MaxStreams:    opts.maxStreams,
		CountRejected: true,
	})

	accounts := repository.NewInMemoryAccountStore()
	account := &domain.Account{ID: "acct1", Credits: opts.credits}
	accounts.Put(account)

	ledger := credit.NewLedger(accounts, nil, credit.Config{
		Enabled:       opts.creditsEnabled,
		ChatCost:      opts.chatCost,
		WebSearchCost: opts.searchCost,
	})

	memSessions := repository.NewInMemorySessionStore()
	var sessions repository.SessionStore = memSessions
	if opts.sessions != nil {
		sessions = opts.sessions
	}

	usage := queue.NewInMemoryPublisher()

	orch := New(Config{
		Registry:     reg,
		Admission:    adm,
		Ledger:       ledger,
		Sessions:     sessions,
		Searcher:     opts.searcher,
		Breakers:     circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
		Usage:        usage,
		HistoryLimit: 20,
	})

	return &fixture{
		orch:     orch,
		adapter:  adapter,
		accounts: accounts,
		sessions: memSessions,
		usage:    usage,
		adm:      adm,
		account:  account,
	}
}

func TestChat_Success(t *testing.T) {
	f := newFixture(t, defaultOpts())

	resp, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{Message: "hi"}, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Reply != "hello back" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.Model != "test-model" || resp.Provider != "fake" {
		t.Errorf("model/provider = %q/%q, want the default model", resp.Model, resp.Provider)
	}
	if resp.CreditsRemaining == nil || *resp.CreditsRemaining != 9 {
		t.Errorf("credits remaining = %v, want 9", resp.CreditsRemaining)
	}

	if f.adapter.lastModel != "test-model-v1" {
		t.Errorf("adapter got model %q, want the upstream id", f.adapter.lastModel)
	}
	if len(f.adapter.lastMessages) != 2 {
		t.Fatalf("adapter got %d messages, want system + user", len(f.adapter.lastMessages))
	}
	if f.adapter.lastMessages[0].Role != domain.RoleSystem {
		t.Errorf("first message role = %q", f.adapter.lastMessages[0].Role)
	}
	if f.adapter.lastMessages[1].Content != "hi" {
		t.Errorf("user message = %q", f.adapter.lastMessages[1].Content)
	}

	events := f.usage.Events()
	if len(events) != 1 {
		t.Fatalf("usage events = %d, want 1", len(events))
	}
	e := events[0]
	if e.RequestID != "req-1" || e.AccountID != "acct1" || e.Model != "test-model" {
		t.Errorf("usage event = %+v", e)
	}
	if e.Streamed {
		t.Error("single-shot turn must not be marked streamed")
	}
	if e.CreditsCharged != 1 {
		t.Errorf("credits charged = %d, want 1", e.CreditsCharged)
	}
}

func TestChat_ModelResolution(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()

	resp, err := f.orch.Chat(ctx, f.account, domain.ChatRequest{Message: "hi", Model: "other-model"}, "r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Model != "other-model" {
		t.Errorf("model = %q", resp.Model)
	}

	_, err = f.orch.Chat(ctx, f.account, domain.ChatRequest{Message: "hi", Model: "gpt-9000"}, "r")
	if !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("unknown model: got %v, want ErrModelNotFound", err)
	}
}

func TestChat_NoModelsConfigured(t *testing.T) {
	opts := defaultOpts()
	opts.noModels = true
	f := newFixture(t, opts)

	_, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{Message: "hi"}, "r")
	if !errors.Is(err, domain.ErrModelUnavailable) {
		t.Errorf("got %v, want ErrModelUnavailable", err)
	}
}

func TestChat_RateLimited(t *testing.T) {
	opts := defaultOpts()
	opts.chatRPM = 2
	f := newFixture(t, opts)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.orch.Chat(ctx, f.account, domain.ChatRequest{Message: "hi"}, "r"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	_, err := f.orch.Chat(ctx, f.account, domain.ChatRequest{Message: "hi"}, "r")
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("got %v, want RateLimitError", err)
	}

	if f.adapter.calls != 2 {
		t.Errorf("adapter calls = %d, the rejected turn must not reach the provider", f.adapter.calls)
	}
}

func TestChat_InsufficientCredits(t *testing.T) {
	opts := defaultOpts()
	opts.chatCost = 20
	f := newFixture(t, opts)

	_, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{Message: "hi"}, "r")
	var insufficient *domain.InsufficientCreditError
	if !errors.As(err, &insufficient) {
		t.Fatalf("got %v, want InsufficientCreditError", err)
	}
	if insufficient.Balance != 10 {
		t.Errorf("balance = %d, want 10", insufficient.Balance)
	}

	if f.adapter.calls != 0 {
		t.Error("rejected turn must not reach the provider")
	}
	account, _ := f.accounts.GetByID(context.Background(), "acct1")
	if account.Credits != 10 {
		t.Errorf("credits = %d, rejection must not charge", account.Credits)
	}
}

func TestChat_CreditsDisabled(t *testing.T) {
	opts := defaultOpts()
	opts.creditsEnabled = false
	opts.credits = 0
	f := newFixture(t, opts)

	resp, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{Message: "hi"}, "r")
	if err != nil {
		t.Fatalf("disabled ledger must admit a zero-balance account: %v", err)
	}
	if resp.CreditsRemaining != nil {
		t.Errorf("credits remaining = %v, want nil when credits are off", *resp.CreditsRemaining)
	}
}

func TestChat_OwnKeyBypassesLedger(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"own-key reply"}}]}`)
	}))
	defer server.Close()

	reg := registry.New()
	reg.RegisterFromConfig(context.Background(), &config.Config{
		OpenAIAPIKey:  "sk-shared",
		OpenAIBaseURL: server.URL,
	})

	accounts := repository.NewInMemoryAccountStore()
	account := &domain.Account{ID: "acct1", Credits: 5}
	accounts.Put(account)

	orch := New(Config{
		Registry:  reg,
		Admission: admission.NewController(admission.NewInMemoryCounterStore(), admission.Config{ChatRPM: 100}),
		Ledger:    credit.NewLedger(accounts, nil, credit.Config{Enabled: true, ChatCost: 1}),
		Sessions:  repository.NewInMemorySessionStore(),
		Breakers:  circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
	})

	resp, err := orch.Chat(context.Background(), account, domain.ChatRequest{
		Message: "hi",
		OwnKey:  &domain.OwnKey{Provider: "openai", Model: "gpt-4o", APIKey: "sk-own"},
	}, "r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Reply != "own-key reply" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if gotAuth != "Bearer sk-own" {
		t.Errorf("upstream auth = %q, want the caller's key", gotAuth)
	}
	if resp.CreditsRemaining != nil {
		t.Errorf("credits remaining = %v, own-key turns are free", *resp.CreditsRemaining)
	}

	after, _ := accounts.GetByID(context.Background(), "acct1")
	if after.Credits != 5 {
		t.Errorf("credits = %d, own-key turn must not charge", after.Credits)
	}
}

func TestChat_OwnKeyUnsupportedProvider(t *testing.T) {
	f := newFixture(t, defaultOpts())

	_, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{
		Message: "hi",
		OwnKey:  &domain.OwnKey{Provider: "bedrock", APIKey: "k"},
	}, "r")
	if !errors.Is(err, domain.ErrModelUnavailable) {
		t.Errorf("got %v, want ErrModelUnavailable", err)
	}
}

func TestChat_WebSearchInPrompt(t *testing.T) {
	opts := defaultOpts()
	opts.searcher = &fakeSearcher{block: "1. Go docs (https://go.dev)\nthe docs\n"}
	f := newFixture(t, opts)

	_, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{Message: "golang?", WebSearch: true}, "r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	system := f.adapter.lastMessages[0].Content
	if !strings.Contains(system, "1. Go docs") {
		t.Errorf("system prompt missing search results: %q", system)
	}

	account, _ := f.accounts.GetByID(context.Background(), "acct1")
	if account.Credits != 7 {
		t.Errorf("credits = %d, want 10 minus chat cost and search surcharge", account.Credits)
	}
}

func TestChat_WebSearchDegrades(t *testing.T) {
	tests := []struct {
		name     string
		searcher search.Client
	}{
		{"no searcher configured", nil},
		{"searcher fails", &fakeSearcher{err: errors.New("timeout")}},
		{"no results", &fakeSearcher{err: search.ErrNoResults}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOpts()
			opts.searcher = tt.searcher
			f := newFixture(t, opts)

			resp, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{Message: "hi", WebSearch: true}, "r")
			if err != nil {
				t.Fatalf("search failure must not fail the chat: %v", err)
			}
			if resp.Reply != "hello back" {
				t.Errorf("reply = %q", resp.Reply)
			}

			system := f.adapter.lastMessages[0].Content
			if !strings.Contains(system, SearchUnavailablePlaceholder) {
				t.Errorf("system prompt missing placeholder: %q", system)
			}
		})
	}
}

func TestChat_SessionHistory(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()

	f.sessions.PutSession(&domain.Session{ID: "sess1", AccountID: "acct1"})
	f.sessions.AppendExchange(ctx, "sess1", "test-model", "first question", "first answer")

	_, err := f.orch.Chat(ctx, f.account, domain.ChatRequest{Message: "follow-up", SessionID: "sess1"}, "r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := f.adapter.lastMessages
	if len(msgs) != 4 {
		t.Fatalf("adapter got %d messages, want system + 2 history + user", len(msgs))
	}
	if msgs[1].Content != "first question" || msgs[2].Content != "first answer" {
		t.Errorf("history = %+v", msgs[1:3])
	}
	if msgs[3].Content != "follow-up" {
		t.Errorf("user message = %q", msgs[3].Content)
	}

	// The completed turn is appended as one user/assistant pair.
	stored, _ := f.sessions.RecentMessages(ctx, "sess1", 10)
	if len(stored) != 4 {
		t.Fatalf("stored messages = %d, want 4", len(stored))
	}
	if stored[3].Role != domain.RoleAssistant || stored[3].Content != "hello back" {
		t.Errorf("last stored = %+v", stored[3])
	}
}

func TestChat_AdHocHistory(t *testing.T) {
	f := newFixture(t, defaultOpts())

	_, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{
		Message: "next",
		History: []domain.Message{
			{Role: domain.RoleUser, Content: "earlier"},
			{Role: domain.RoleAssistant, Content: "sure"},
		},
	}, "r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := f.adapter.lastMessages
	if len(msgs) != 4 {
		t.Fatalf("adapter got %d messages, want 4", len(msgs))
	}
	if msgs[1].Content != "earlier" || msgs[2].Content != "sure" {
		t.Errorf("ad-hoc history not forwarded: %+v", msgs[1:3])
	}
}

func TestChat_PersistenceFailureSwallowed(t *testing.T) {
	opts := defaultOpts()
	opts.sessions = failingSessionStore{}
	f := newFixture(t, opts)

	resp, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{Message: "hi", SessionID: "sess1"}, "r")
	if err != nil {
		t.Fatalf("a delivered answer must not fail on persistence: %v", err)
	}
	if resp.Reply != "hello back" {
		t.Errorf("reply = %q", resp.Reply)
	}
}

func TestChat_UpstreamError(t *testing.T) {
	f := newFixture(t, defaultOpts())
	f.adapter.err = errors.New("connection refused")

	_, err := f.orch.Chat(context.Background(), f.account, domain.ChatRequest{Message: "hi"}, "r")
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("got %v, want UpstreamError", err)
	}
	if upstream.Provider != "fake" {
		t.Errorf("provider = %q", upstream.Provider)
	}
}

func TestChat_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t, defaultOpts())
	f.adapter.err = errors.New("connection refused")
	ctx := context.Background()

	threshold := circuitbreaker.DefaultConfig().FailureThreshold
	for i := 0; i < threshold; i++ {
		f.orch.Chat(ctx, f.account, domain.ChatRequest{Message: "hi"}, "r")
	}

	_, err := f.orch.Chat(ctx, f.account, domain.ChatRequest{Message: "hi"}, "r")
	if !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Fatalf("got %v, want the open breaker surfaced", err)
	}
	if f.adapter.calls != threshold {
		t.Errorf("adapter calls = %d, the open breaker must fail fast", f.adapter.calls)
	}
}

func TestPrepareStream_SlotExhausted(t *testing.T) {
	opts := defaultOpts()
	opts.maxStreams = 1
	f := newFixture(t, opts)
	ctx := context.Background()

	prep, err := f.orch.PrepareStream(ctx, f.account, domain.ChatRequest{Message: "hi"}, "r1")
	if err != nil {
		t.Fatalf("first stream: %v", err)
	}

	_, err = f.orch.PrepareStream(ctx, f.account, domain.ChatRequest{Message: "hi"}, "r2")
	if !errors.Is(err, domain.ErrSlotExhausted) {
		t.Fatalf("second stream: got %v, want ErrSlotExhausted", err)
	}

	prep.Release()

	prep2, err := f.orch.PrepareStream(ctx, f.account, domain.ChatRequest{Message: "hi"}, "r3")
	if err != nil {
		t.Fatalf("stream after release: %v", err)
	}
	prep2.Release()
}

func TestPrepareStream_FailureAfterReservationReleasesSlot(t *testing.T) {
	opts := defaultOpts()
	opts.maxStreams = 1
	opts.chatCost = 20
	f := newFixture(t, opts)

	_, err := f.orch.PrepareStream(context.Background(), f.account, domain.ChatRequest{Message: "hi"}, "r")
	var insufficient *domain.InsufficientCreditError
	if !errors.As(err, &insufficient) {
		t.Fatalf("got %v, want InsufficientCreditError", err)
	}

	if got := f.adm.ActiveStreams("acct1"); got != 0 {
		t.Errorf("active streams = %d, the failed admission must return its slot", got)
	}
}

func TestExecuteStream(t *testing.T) {
	f := newFixture(t, defaultOpts())
	f.adapter.deltas = []string{"Hel", "lo", " there"}
	ctx := context.Background()

	prep, err := f.orch.PrepareStream(ctx, f.account, domain.ChatRequest{Message: "hi"}, "req-s")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	var deltas []string
	resp, err := f.orch.ExecuteStream(ctx, prep, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if resp.Reply != "Hello there" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if len(deltas) != 3 {
		t.Errorf("deltas = %v", deltas)
	}
	if got := f.adm.ActiveStreams("acct1"); got != 0 {
		t.Errorf("active streams = %d, want 0 after completion", got)
	}

	events := f.usage.Events()
	if len(events) != 1 || !events[0].Streamed {
		t.Errorf("usage events = %+v, want one streamed event", events)
	}

	// The transport's deferred release must stay a no-op.
	prep.Release()
	if got := f.adm.ActiveStreams("acct1"); got != 0 {
		t.Errorf("active streams = %d after extra release", got)
	}
}

func TestExecuteStream_UpstreamErrorReleasesSlot(t *testing.T) {
	opts := defaultOpts()
	opts.maxStreams = 1
	f := newFixture(t, opts)
	f.adapter.err = errors.New("connection reset")
	ctx := context.Background()

	prep, err := f.orch.PrepareStream(ctx, f.account, domain.ChatRequest{Message: "hi"}, "r")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	_, err = f.orch.ExecuteStream(ctx, prep, func(string) error { return nil })
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("got %v, want UpstreamError", err)
	}
	if got := f.adm.ActiveStreams("acct1"); got != 0 {
		t.Errorf("active streams = %d, want 0 after failure", got)
	}
}

// blockingAdapter emits one delta, signals started, then holds the stream
// open until the request context is cancelled.
type blockingAdapter struct {
	started chan struct{}
}

func (b *blockingAdapter) Name() string { return "fake" }

func (b *blockingAdapter) Send(ctx context.Context, model string, messages []domain.Message, apiKey string) (string, error) {
	return "", errors.New("streaming only")
}

func (b *blockingAdapter) SendStream(ctx context.Context, model string, messages []domain.Message, apiKey string, sink provider.Sink) (string, error) {
	if err := sink("Hel"); err != nil {
		return "Hel", err
	}
	close(b.started)
	<-ctx.Done()
	return "Hel", ctx.Err()
}

func TestExecuteStream_ClientDisconnectReleasesSlot(t *testing.T) {
	adapter := &blockingAdapter{started: make(chan struct{})}

	reg := registry.New()
	reg.Register(&registry.Descriptor{
		ID: "test-model", DisplayName: "Test Model", Provider: "fake",
		UpstreamID: "test-model-v1", Adapter: adapter,
	})

	adm := admission.NewController(admission.NewInMemoryCounterStore(), admission.Config{
		ChatRPM:    100,
		MaxStreams: 1,
	})

	accounts := repository.NewInMemoryAccountStore()
	account := &domain.Account{ID: "acct1", Credits: 10}
	accounts.Put(account)

	orch := New(Config{
		Registry:  reg,
		Admission: adm,
		Ledger:    credit.NewLedger(accounts, nil, credit.Config{Enabled: true, ChatCost: 1}),
		Sessions:  repository.NewInMemorySessionStore(),
		Breakers:  circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prep, err := orch.PrepareStream(ctx, account, domain.ChatRequest{Message: "hi"}, "r")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := orch.ExecuteStream(ctx, prep, func(string) error { return nil })
		result <- err
	}()

	<-adapter.started
	if got := adm.ActiveStreams("acct1"); got != 1 {
		t.Fatalf("active streams mid-stream = %d, want 1", got)
	}

	// The client hangs up mid-stream.
	cancel()

	err = <-result
	var upstream *domain.UpstreamError
	if !errors.As(err, &upstream) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want UpstreamError wrapping context.Canceled", err)
	}

	if got := adm.ActiveStreams("acct1"); got != 0 {
		t.Errorf("active streams = %d, the disconnect must return the slot", got)
	}

	// The transport's deferred release must stay a no-op.
	prep.Release()
	if got := adm.ActiveStreams("acct1"); got != 0 {
		t.Errorf("active streams = %d after extra release", got)
	}
}

func TestPrepareStream_DropsAdHocHistory(t *testing.T) {
	f := newFixture(t, defaultOpts())
	ctx := context.Background()

	prep, err := f.orch.PrepareStream(ctx, f.account, domain.ChatRequest{
		Message: "hi",
		History: []domain.Message{{Role: domain.RoleUser, Content: "earlier"}},
	}, "r")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if _, err := f.orch.ExecuteStream(ctx, prep, func(string) error { return nil }); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(f.adapter.lastMessages) != 2 {
		t.Errorf("adapter got %d messages, streaming must ignore ad-hoc history", len(f.adapter.lastMessages))
	}
}
