// Package openaicompat implements the chat-completions wire format shared
// by OpenAI and compatible hosts. One adapter instance serves any such
// provider through a configurable base URL.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/httputil"
	"github.com/harborlabs/chatgate/internal/provider"
)

type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New builds an adapter for a chat-completions compatible host. name is the
// provider name surfaced to callers ("openai", "deepseek", ...). apiKey is
// the shared-pool credential; a non-empty per-request credential overrides
// it.
func New(name, apiKey, baseURL string, client *http.Client) *Adapter {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

func (a *Adapter) Name() string {
	return a.name
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (a *Adapter) Send(ctx context.Context, model string, messages []domain.Message, apiKey string) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.do(ctx, body, apiKey, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty choices", a.name)
	}

	return chatResp.Choices[0].Message.Content, nil
}

func (a *Adapter) SendStream(ctx context.Context, model string, messages []domain.Message, apiKey string, sink provider.Sink) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.do(ctx, body, apiKey, true)
	if err != nil {
		return "", err
	}

	deltas := make(chan string)
	errs := make(chan error, 1)
	// Closed when the consumer loop returns, so a sink abort with a live
	// request context cannot strand the reader on the deltas send.
	consumerGone := make(chan struct{})
	defer close(consumerGone)

	go func() {
		defer close(deltas)
		defer close(errs)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}

			select {
			case deltas <- chunk.Choices[0].Delta.Content:
			case <-ctx.Done():
				return
			case <-consumerGone:
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("scan stream: %w", err)
		}
	}()

	var full strings.Builder
	for {
		select {
		case delta, ok := <-deltas:
			if !ok {
				if err, open := <-errs; open && err != nil {
					return full.String(), err
				}
				return full.String(), nil
			}
			full.WriteString(delta)
			if err := sink(delta); err != nil {
				return full.String(), err
			}
		case <-ctx.Done():
			return full.String(), ctx.Err()
		}
	}
}

func (a *Adapter) do(ctx context.Context, body []byte, apiKey string, stream bool) (*http.Response, error) {
	key := a.apiKey
	if apiKey != "" {
		key = apiKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%s error: status=%d body=%s", a.name, resp.StatusCode, string(bodyBytes))
	}

	return resp, nil
}
