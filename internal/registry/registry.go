// Package registry builds the catalog of available chat models from the
// configured provider credentials. The first registered descriptor is the
// process default. An empty registry is a valid degraded state surfaced
// later as service-unavailable.
package registry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/harborlabs/chatgate/internal/config"
	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/httputil"
	"github.com/harborlabs/chatgate/internal/provider"
	"github.com/harborlabs/chatgate/internal/provider/bedrock"
	"github.com/harborlabs/chatgate/internal/provider/gemini"
	"github.com/harborlabs/chatgate/internal/provider/openaicompat"
)

// Descriptor binds a catalog model id to the adapter and credential that
// serve it. Descriptors built from a caller override exist only for the
// lifetime of that request.
type Descriptor struct {
	ID          string
	DisplayName string
	Provider    string
	UpstreamID  string
	Adapter     provider.Adapter

	// APIKey overrides the adapter's shared credential when non-empty
	// (request-scoped own-key descriptors).
	APIKey string
}

type Registry struct {
	mu     sync.RWMutex
	models []*Descriptor
	byID   map[string]*Descriptor

	openAIBaseURL   string
	deepSeekBaseURL string
	httpClient      *http.Client
}

func New() *Registry {
	return &Registry{
		byID:       make(map[string]*Descriptor),
		httpClient: httputil.DefaultClient(),
	}
}

// RegisterFromConfig clears and rebuilds the catalog from the configured
// credentials. It never fails; a credential that cannot be turned into an
// adapter is logged and skipped.
func (r *Registry) RegisterFromConfig(ctx context.Context, cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.models = r.models[:0]
	r.byID = make(map[string]*Descriptor)
	r.openAIBaseURL = cfg.OpenAIBaseURL
	r.deepSeekBaseURL = cfg.DeepSeekBaseURL

	if cfg.OpenAIAPIKey != "" {
		adapter := openaicompat.New("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, r.httpClient)
		r.add(&Descriptor{ID: "gpt-4.1-mini", DisplayName: "GPT-4.1 Mini", Provider: "openai", UpstreamID: "gpt-4.1-mini", Adapter: adapter})
		r.add(&Descriptor{ID: "gpt-4.1", DisplayName: "GPT-4.1", Provider: "openai", UpstreamID: "gpt-4.1", Adapter: adapter})
	}

	if cfg.DeepSeekAPIKey != "" {
		adapter := openaicompat.New("deepseek", cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, r.httpClient)
		r.add(&Descriptor{ID: "deepseek-chat", DisplayName: "DeepSeek Chat", Provider: "deepseek", UpstreamID: "deepseek-chat", Adapter: adapter})
	}

	if cfg.GeminiAPIKey != "" {
		adapter := gemini.New(cfg.GeminiAPIKey, r.httpClient)
		r.add(&Descriptor{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Provider: "gemini", UpstreamID: "gemini-2.0-flash", Adapter: adapter})
	}

	if cfg.BedrockRegion != "" {
		adapter, err := bedrock.New(ctx, cfg.BedrockRegion)
		if err != nil {
			slog.Warn("skipping bedrock models", "error", err)
		} else {
			r.add(&Descriptor{ID: "claude-3-5-haiku", DisplayName: "Claude 3.5 Haiku", Provider: "bedrock", UpstreamID: "anthropic.claude-3-5-haiku-20241022-v1:0", Adapter: adapter})
		}
	}

	for _, m := range r.models {
		slog.Info("registered model", "id", m.ID, "provider", m.Provider)
	}
	if len(r.models) == 0 {
		slog.Warn("no provider credentials configured, chat is unavailable")
	}
}

// Register adds a descriptor to the catalog. RegisterFromConfig covers the
// normal startup path; this exists for custom wiring.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(d)
}

func (r *Registry) add(d *Descriptor) {
	r.models = append(r.models, d)
	r.byID[d.ID] = d
}

// List returns catalog projections in registration order.
func (r *Registry) List() []domain.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]domain.ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		infos = append(infos, domain.ModelInfo{ID: m.ID, Name: m.DisplayName, Provider: m.Provider})
	}
	return infos
}

func (r *Registry) Lookup(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	return d, ok
}

// Default returns the first registered descriptor.
func (r *Registry) Default() (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.models) == 0 {
		return nil, false
	}
	return r.models[0], true
}

// BuildFromOverride constructs a transient descriptor bound to a
// caller-supplied credential. Nothing is persisted. Returns false when the
// provider/model combination is not implementable with a raw API key.
func (r *Registry) BuildFromOverride(modelID, providerName, apiKey string) (*Descriptor, bool) {
	if apiKey == "" {
		return nil, false
	}

	r.mu.RLock()
	openAIBase, deepSeekBase := r.openAIBaseURL, r.deepSeekBaseURL
	client := r.httpClient
	r.mu.RUnlock()

	if openAIBase == "" {
		openAIBase = "https://api.openai.com/v1"
	}
	if deepSeekBase == "" {
		deepSeekBase = "https://api.deepseek.com/v1"
	}

	switch providerName {
	case "", "openai":
		if modelID == "" {
			modelID = "gpt-4.1-mini"
		}
		adapter := openaicompat.New("openai", "", openAIBase, client)
		return &Descriptor{ID: modelID, DisplayName: modelID, Provider: "openai", UpstreamID: modelID, Adapter: adapter, APIKey: apiKey}, true
	case "deepseek":
		if modelID == "" {
			modelID = "deepseek-chat"
		}
		adapter := openaicompat.New("deepseek", "", deepSeekBase, client)
		return &Descriptor{ID: modelID, DisplayName: modelID, Provider: "deepseek", UpstreamID: modelID, Adapter: adapter, APIKey: apiKey}, true
	case "gemini":
		if modelID == "" {
			modelID = "gemini-2.0-flash"
		}
		adapter := gemini.New("", client)
		return &Descriptor{ID: modelID, DisplayName: modelID, Provider: "gemini", UpstreamID: modelID, Adapter: adapter, APIKey: apiKey}, true
	default:
		// bedrock and unknown families cannot be driven by a raw key.
		return nil, false
	}
}
