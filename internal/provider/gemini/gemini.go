// Package gemini implements the single-shot generateContent REST contract.
// The API has no SSE-compatible streaming mode the relay can consume, so
// SendStream invokes the single-shot call and flushes the whole text as one
// fragment.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/httputil"
	"github.com/harborlabs/chatgate/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey string, client *http.Client) *Adapter {
	return NewWithBaseURL(apiKey, defaultBaseURL, client)
}

func NewWithBaseURL(apiKey, baseURL string, client *http.Client) *Adapter {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

func (a *Adapter) Name() string {
	return "gemini"
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (a *Adapter) Send(ctx context.Context, model string, messages []domain.Message, apiKey string) (string, error) {
	key := a.apiKey
	if apiKey != "" {
		key = apiKey
	}

	body, err := json.Marshal(toGeminiRequest(messages))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, model, url.QueryEscape(key))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gemini error: status=%d body=%s", resp.StatusCode, string(bodyBytes))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(geminiResp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: empty candidates")
	}

	var text strings.Builder
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}

func (a *Adapter) SendStream(ctx context.Context, model string, messages []domain.Message, apiKey string, sink provider.Sink) (string, error) {
	text, err := a.Send(ctx, model, messages, apiKey)
	if err != nil {
		return "", err
	}
	if err := sink(text); err != nil {
		return text, err
	}
	return text, nil
}

// toGeminiRequest folds the system message into system_instruction and maps
// assistant to the "model" role.
func toGeminiRequest(messages []domain.Message) geminiRequest {
	var req geminiRequest
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case domain.RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return req
}
