package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatMessage is one entry of the message list sent to a model
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Gateway is the uniform model query port used by the council.
// Implementations route by model ID; a failed call returns a *ModelError.
type Gateway interface {
	Query(ctx context.Context, model string, messages []ChatMessage, temperature float64, timeout time.Duration) (string, error)
}

// GatewayFunc adapts a function to the Gateway interface
type GatewayFunc func(ctx context.Context, model string, messages []ChatMessage, temperature float64, timeout time.Duration) (string, error)

// Query calls f
func (f GatewayFunc) Query(ctx context.Context, model string, messages []ChatMessage, temperature float64, timeout time.Duration) (string, error) {
	return f(ctx, model, messages, temperature, timeout)
}

// OpenRouterRequest represents a request to OpenRouter API
type OpenRouterRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// OpenRouterAPIResponse represents the full API response structure
type OpenRouterAPIResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning,omitempty"`
			ReasoningContent string `json:"reasoning_content,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

// openRouterErrorBody covers the error shapes OpenAI-compatible APIs return
type openRouterErrorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
}

// OpenRouterGateway queries models through the OpenRouter chat completions API
type OpenRouterGateway struct {
	APIURL string
	APIKey string
	Client *http.Client
}

// NewOpenRouterGateway creates a gateway for the given endpoint and key
func NewOpenRouterGateway(apiURL, apiKey string) *OpenRouterGateway {
	return &OpenRouterGateway{
		APIURL: apiURL,
		APIKey: apiKey,
		Client: &http.Client{},
	}
}

// Query sends messages to a single model with the given timeout.
// Returns the model's text or a *ModelError describing the failure.
func (g *OpenRouterGateway) Query(ctx context.Context, model string, messages []ChatMessage, temperature float64, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Build request payload
	payload := OpenRouterRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", g.fail(model, KindValidation, 0, fmt.Sprintf("failed to marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.APIURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return "", g.fail(model, KindException, 0, fmt.Sprintf("failed to create request: %v", err))
	}

	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		kind := ClassifyError(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return "", g.fail(model, kind, 0, fmt.Sprintf("failed to make request: %v", err))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", g.fail(model, ClassifyError(err), resp.StatusCode, fmt.Sprintf("failed to read response body: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		message := parseErrorMessage(resp.StatusCode, bodyBytes)
		return "", g.fail(model, ClassifyStatus(resp.StatusCode, message), resp.StatusCode, message)
	}

	var apiResponse OpenRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return "", g.fail(model, KindException, resp.StatusCode, fmt.Sprintf("failed to parse response: %v", err))
	}

	if len(apiResponse.Choices) == 0 {
		return "", g.fail(model, KindEmptyResponse, resp.StatusCode, "no choices in response")
	}

	message := apiResponse.Choices[0].Message
	content := message.Content
	reasoning := message.ReasoningContent
	if reasoning == "" {
		reasoning = message.Reasoning
	}

	// Reasoning models sometimes leave content empty and answer in the reasoning field
	if strings.TrimSpace(content) == "" {
		content = reasoning
	}
	if strings.TrimSpace(content) == "" {
		return "", g.fail(model, KindEmptyResponse, resp.StatusCode, "model returned empty content")
	}

	return content, nil
}

func (g *OpenRouterGateway) fail(model string, kind ErrorKind, status int, message string) *ModelError {
	return &ModelError{
		Kind:       kind,
		StatusCode: status,
		Provider:   "OpenRouter",
		Model:      model,
		Message:    message,
	}
}

// parseErrorMessage extracts a readable message from an error response body
func parseErrorMessage(statusCode int, body []byte) string {
	raw := strings.TrimSpace(string(body))
	if len(raw) > 1000 {
		raw = raw[:1000]
	}

	var parsed openRouterErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if len(parsed.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(parsed.Error, &nested); err == nil && nested.Message != "" {
				return nested.Message
			}
			var plain string
			if err := json.Unmarshal(parsed.Error, &plain); err == nil && plain != "" {
				return plain
			}
		}
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Detail != "" {
			return parsed.Detail
		}
	}

	if raw == "" || raw == "{}" {
		return fmt.Sprintf("HTTP %d (No error message provided)", statusCode)
	}
	return raw
}
