// Package modelgateway is the single choke point to the local LLM
// (C1): request shaping, timeouts, bounded retries, a three-state
// circuit breaker, and health probing. No other package in this
// repository talks to the model server directly.
package modelgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/prodplan-one/copilot-core/internal/errors"
)

// HealthStatus is the closed set of probe outcomes (spec §6 health()).
type HealthStatus string

const (
	StatusOnline   HealthStatus = "online"
	StatusDegraded HealthStatus = "degraded"
	StatusOffline  HealthStatus = "offline"
)

// Options shapes one generate request (spec §4.1).
type Options struct {
	Temperature      float64
	TopK             int
	MaxPredictTokens int
	Timeout          time.Duration
	KeepAlive        time.Duration
	Format           string // response-format hint, e.g. "json"
}

// DefaultOptions returns the documented operational defaults.
func DefaultOptions() Options {
	return Options{
		Temperature:      0.3,
		MaxPredictTokens: 500,
		Timeout:          30 * time.Second,
		Format:           "json",
	}
}

// ModelReply is the Model Gateway's result of a successful generate call.
type ModelReply struct {
	Text       string
	EvalTokens int
	ModelName  string

	// embedding carries an Embed result through the same breaker as
	// Generate; zero value for ordinary generate replies.
	embedding []float32
}

// Client is the Model Gateway's public surface.
type Client interface {
	Generate(ctx context.Context, prompt string, opts Options) (*ModelReply, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Probe(ctx context.Context) (HealthStatus, error)
}

// wire shapes, mirroring spec §6's outbound LLM server contract.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Format  string          `json:"format,omitempty"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	KeepAlive   string  `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// HTTPClient is the production Client: a local model server reached
// over HTTP, protected by a circuit breaker and bounded retries.
type HTTPClient struct {
	endpoint          string
	embeddingEndpoint string
	modelName         string
	http              *http.Client
	breaker           *gobreaker.CircuitBreaker[*ModelReply]
	logger            *zap.Logger
	enc               *tiktoken.Tiktoken
}

// Config configures an HTTPClient's breaker tuning and endpoints.
type Config struct {
	ModelName        string
	Endpoint         string
	EmbeddingEndpoint string
	Timeout          time.Duration
	FailThreshold    uint32
	CooldownSeconds  int
}

// NewHTTPClient constructs the production Model Gateway client.
func NewHTTPClient(cfg Config, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, apperrors.New(apperrors.ErrorTypeBadRequest, "model gateway: endpoint is required")
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if cfg.CooldownSeconds == 0 {
		cfg.CooldownSeconds = 60
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("model gateway: load tokenizer: %w", err)
	}

	c := &HTTPClient{
		endpoint:          cfg.Endpoint,
		embeddingEndpoint: cfg.EmbeddingEndpoint,
		modelName:         cfg.ModelName,
		http:              &http.Client{Timeout: cfg.Timeout},
		logger:            logger,
		enc:               enc,
	}

	settings := gobreaker.Settings{
		Name:        "model-gateway:" + cfg.ModelName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     time.Duration(cfg.CooldownSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("model gateway: breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker[*ModelReply](settings)
	return c, nil
}

// CountTokens counts prompt tokens using the gateway's local tokenizer.
// The Prompt Renderer keeps its own encoder and does not call this, and
// meta.token_count is taken from the upstream eval_count.
func (c *HTTPClient) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Generate implements Client. A non-retried failure (bad JSON, schema
// mismatch) is returned as ErrorTypeValidationFailed; a breaker-open
// short-circuit is returned as ErrorTypeModelOffline without any
// outbound call, per spec §4.1.
func (c *HTTPClient) Generate(ctx context.Context, prompt string, opts Options) (*ModelReply, error) {
	if c.breaker.State() == gobreaker.StateOpen {
		return nil, apperrors.New(apperrors.ErrorTypeModelOffline, "model gateway: circuit breaker open")
	}

	reply, err := c.breaker.Execute(func() (*ModelReply, error) {
		return c.generateWithRetry(ctx, prompt, opts)
	})
	if err != nil {
		if ae, ok := apperrors.As(err); ok {
			return nil, ae
		}
		if err == gobreaker.ErrOpenState {
			return nil, apperrors.New(apperrors.ErrorTypeModelOffline, "model gateway: circuit breaker open")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeModelOffline, "model gateway: generate failed")
	}
	return reply, nil
}

func (c *HTTPClient) generateWithRetry(ctx context.Context, prompt string, opts Options) (*ModelReply, error) {
	operation := func() (*ModelReply, error) {
		reply, transient, err := c.doGenerate(ctx, prompt, opts)
		if err != nil {
			if transient {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return reply, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3), // initial attempt + 2 retries, per spec §4.1
	)
}

// doGenerate performs one HTTP round trip. The bool return reports
// whether the error is transient (retryable): connection/5xx errors
// are transient; a non-JSON body or schema mismatch is not.
func (c *HTTPClient) doGenerate(ctx context.Context, prompt string, opts Options) (*ModelReply, bool, error) {
	reqBody := generateRequest{
		Model:  c.modelName,
		Prompt: prompt,
		Format: opts.Format,
		Options: generateOptions{
			Temperature: opts.Temperature,
			TopK:        opts.TopK,
			NumPredict:  opts.MaxPredictTokens,
			KeepAlive:   opts.KeepAlive.String(),
		},
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeValidationFailed, "model gateway: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/generate", bytes.NewReader(buf))
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeModelTransient, "model gateway: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, apperrors.Wrap(err, apperrors.ErrorTypeModelTransient, "model gateway: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, apperrors.Wrap(err, apperrors.ErrorTypeModelTransient, "model gateway: read body")
	}

	if resp.StatusCode >= 500 {
		return nil, true, apperrors.Newf(apperrors.ErrorTypeModelTransient, "model gateway: upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, apperrors.Newf(apperrors.ErrorTypeValidationFailed, "model gateway: upstream status %d", resp.StatusCode)
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeValidationFailed, "model gateway: non-JSON reply")
	}

	return &ModelReply{Text: parsed.Response, EvalTokens: parsed.EvalCount, ModelName: c.modelName}, false, nil
}

// Embed implements Client's dedicated embedding channel. It shares the
// breaker with Generate but sends each text once, without retry, and is
// never gated by the per-tenant rate limiter (ingestion is out-of-band,
// per spec §4.2).
func (c *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := c.breaker.Execute(func() (*ModelReply, error) {
			v, err := c.doEmbed(ctx, text)
			if err != nil {
				return nil, err
			}
			return &ModelReply{Text: "", EvalTokens: 0, ModelName: c.modelName, embedding: v}, nil
		})
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeModelOffline, "model gateway: embed failed")
		}
		out = append(out, vec.embedding)
	}
	return out, nil
}

func (c *HTTPClient) doEmbed(ctx context.Context, text string) ([]float32, error) {
	buf, err := json.Marshal(embedRequest{Model: c.modelName, Input: text})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidationFailed, "model gateway: marshal embed request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.embeddingEndpoint+"/embed", bytes.NewReader(buf))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeModelTransient, "model gateway: build embed request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeModelTransient, "model gateway: embed request failed")
	}
	defer resp.Body.Close()

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidationFailed, "model gateway: non-JSON embed reply")
	}
	return parsed.Embedding, nil
}

// Probe implements Client's health operation. It never consumes a
// quota slot and never attempts generation when the breaker is open.
func (c *HTTPClient) Probe(ctx context.Context) (HealthStatus, error) {
	if c.breaker.State() == gobreaker.StateOpen {
		return StatusOffline, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/tags", nil)
	if err != nil {
		return StatusOffline, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return StatusOffline, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusDegraded, nil
	}

	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return StatusDegraded, nil
	}
	for _, m := range parsed.Models {
		if m.Name == c.modelName {
			return StatusOnline, nil
		}
	}
	if len(parsed.Models) > 0 {
		return StatusDegraded, nil
	}
	return StatusOffline, nil
}
