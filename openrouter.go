package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// openRouterRequest is the wire request to the chat completions endpoint.
type openRouterRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// openRouterResponse is the wire response from the chat completions endpoint.
type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// OpenRouterClient is the generation provider backed by the OpenRouter API.
// Every call goes through the shared rate limiter: it waits before sending,
// records the request, merges quota headers from responses, and on a 429
// backs off for the limiter-computed duration before retrying the same call.
type OpenRouterClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewOpenRouterClient builds a client against apiURL guarded by limiter.
func NewOpenRouterClient(apiURL, apiKey string, limiter *RateLimiter) *OpenRouterClient {
	return &OpenRouterClient{
		apiURL:     apiURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		limiter:    limiter,
	}
}

// Generate runs one rate-limited generation call. Quota rejections (429) are
// absorbed as waits, never surfaced as errors; all other failures return.
func (c *OpenRouterClient) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	payload, err := json.Marshal(openRouterRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	for {
		if err := c.limiter.WaitIfNeeded(ctx, req.Model); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		c.limiter.RecordRequest(req.Model)
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("failed to make request: %w", err)
		}

		if quota, ok := ParseQuotaHeaders(resp.Header); ok {
			c.limiter.UpdateFromHeaders(req.Model, quota)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			wait := c.limiter.GetRetryAfter(req.Model, resp.Header)
			logger.Warn().Str("model", req.Model).Dur("wait", wait).Msg("provider quota rejection, backing off")
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response body: %w", readErr)
		}

		var apiResp openRouterResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if len(apiResp.Choices) == 0 {
			return nil, fmt.Errorf("no choices in response")
		}

		choice := apiResp.Choices[0]
		return &GenerationResult{
			Content:      choice.Message.Content,
			FinishReason: choice.FinishReason,
		}, nil
	}
}

// ProbeModels checks reachability of the given models in parallel with a
// tiny prompt. Failed models map to their error; reachable models map to
// nil. Intended as a non-fatal startup check.
func (c *OpenRouterClient) ProbeModels(ctx context.Context, models []string) map[string]error {
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[string]error, len(models))
	var mu sync.Mutex

	for _, model := range models {
		model := model
		g.Go(func() error {
			_, err := c.Generate(ctx, GenerationRequest{
				Model:     model,
				Messages:  []ChatMessage{{Role: "user", Content: "Reply with the single word: ready"}},
				MaxTokens: 5,
			})
			mu.Lock()
			results[model] = err
			mu.Unlock()
			return nil
		})
	}

	// Probes never fail the group; per-model errors land in the map.
	_ = g.Wait()
	return results
}
