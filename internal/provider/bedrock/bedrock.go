// Package bedrock adapts AWS Bedrock Anthropic-family models. Credentials
// come from the ambient AWS config; caller-supplied key overrides are not
// supported for this family.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/provider"
)

type Adapter struct {
	client *bedrockruntime.Client
	region string
}

func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Adapter{
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}, nil
}

func NewWithConfig(cfg aws.Config) *Adapter {
	return &Adapter{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (a *Adapter) Name() string {
	return "bedrock"
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type bedrockStreamChunk struct {
	Type  string `json:"type"`
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

func (a *Adapter) Send(ctx context.Context, model string, messages []domain.Message, _ string) (string, error) {
	body, err := json.Marshal(toBedrockRequest(messages))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("invoke model: %w", err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

func (a *Adapter) SendStream(ctx context.Context, model string, messages []domain.Message, _ string, sink provider.Sink) (string, error) {
	body, err := json.Marshal(toBedrockRequest(messages))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("invoke model stream: %w", err)
	}

	stream := output.GetStream()
	defer stream.Close()

	var full strings.Builder
	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}

		var parsed bedrockStreamChunk
		if err := json.Unmarshal(chunk.Value.Bytes, &parsed); err != nil {
			continue
		}

		switch parsed.Type {
		case "content_block_delta":
			if parsed.Delta == nil || parsed.Delta.Text == "" {
				continue
			}
			full.WriteString(parsed.Delta.Text)
			if err := sink(parsed.Delta.Text); err != nil {
				return full.String(), err
			}
		case "message_stop":
			return full.String(), nil
		}

		select {
		case <-ctx.Done():
			return full.String(), ctx.Err()
		default:
		}
	}

	if err := stream.Err(); err != nil {
		return full.String(), fmt.Errorf("stream error: %w", err)
	}
	return full.String(), nil
}

func toBedrockRequest(messages []domain.Message) bedrockRequest {
	var systemPrompt string
	converted := make([]bedrockMessage, 0, len(messages))

	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			systemPrompt = m.Content
			continue
		}
		converted = append(converted, bedrockMessage{Role: m.Role, Content: m.Content})
	}

	return bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		System:           systemPrompt,
		Messages:         converted,
	}
}
