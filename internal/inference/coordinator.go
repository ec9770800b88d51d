package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/carbscan/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultModel is the model used when none is configured.
	DefaultModel = "gemini-2.0-flash"
	// DefaultTimeout covers model latency plus background throttling.
	DefaultTimeout = 120 * time.Second
)

// DefaultPrompt is the fixed instruction sent with every job.
const DefaultPrompt = `You are a nutrition assistant estimating carbohydrates for a person managing diabetes.
Analyze the photographed meal or recipe. Respond with JSON only, using this shape:
{"is_food": bool, "total_carbs_g": number, "summary": string, "items": [{"name": string, "portion": string, "carbs_g": number}]}
If the images do not show food or a recipe, set "is_food" to false and explain briefly in "summary".`

// Config configures a Coordinator.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Prompt  string
	Timeout time.Duration
	// HTTPClient overrides the default client. Its timeout is left as is.
	HTTPClient *http.Client
}

// Outcome is the terminal result of a job.
type Outcome struct {
	JobID string
	State State
	// Text is the concatenated candidate text on success, or the raw body
	// when the envelope was malformed.
	Text     string
	Err      error
	Duration time.Duration
}

// CompletionHandler observes every terminal outcome, including those whose
// submitter stopped waiting.
type CompletionHandler func(job *Job, outcome Outcome)

// Coordinator runs inference jobs. Each request runs in its own goroutine
// bounded only by the configured timeout; the submitter's context decides
// how long the submitter waits, not how long the request lives.
type Coordinator struct {
	cfg    Config
	client *http.Client

	mu       sync.RWMutex
	handlers []CompletionHandler

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cfg.Model = strings.TrimPrefix(cfg.Model, "gemini:")
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = dialContext
		client = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	}
	return &Coordinator{cfg: cfg, client: client}
}

// OnComplete registers a handler for terminal outcomes.
func (c *Coordinator) OnComplete(h CompletionHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Submit runs job and waits for it. If ctx ends first, Submit returns
// ctx.Err() while the request keeps running; its outcome still reaches the
// completion handlers.
func (c *Coordinator) Submit(ctx context.Context, job *Job) (string, error) {
	done := c.Start(ctx, job)
	select {
	case outcome := <-done:
		return outcome.Text, outcome.Err
	case <-ctx.Done():
		log.Info().Str("job_id", job.ID).Msg("Submitter stopped waiting, inference continues")
		return "", ctx.Err()
	}
}

// Start launches job and returns a channel that receives its outcome once.
// Only ctx's values are inherited; its cancellation is not.
func (c *Coordinator) Start(ctx context.Context, job *Job) <-chan Outcome {
	done := make(chan Outcome, 1)
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)

	job.State = StateRunning
	metrics.InferenceInFlight.Inc()
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer cancel()
		defer metrics.InferenceInFlight.Dec()

		started := time.Now()
		text, err := c.generate(reqCtx, job)
		outcome := Outcome{JobID: job.ID, Text: text, Err: err, Duration: time.Since(started)}

		label := "succeeded"
		if err != nil {
			job.State = StateFailed
			job.FailReason = err.Error()
			if ie, ok := err.(*Error); ok {
				label = string(ie.Kind)
			} else {
				label = "failed"
			}
			log.Warn().Err(err).Str("job_id", job.ID).Dur("duration", outcome.Duration).Msg("Inference failed")
		} else {
			job.State = StateSucceeded
			log.Info().Str("job_id", job.ID).Dur("duration", outcome.Duration).Int("chars", len(text)).Msg("Inference succeeded")
		}
		outcome.State = job.State
		metrics.RecordInference(label, outcome.Duration)

		done <- outcome

		c.mu.RLock()
		handlers := append([]CompletionHandler(nil), c.handlers...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(job, outcome)
		}
	}()
	return done
}

// Wait blocks until every started job has delivered its outcome.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	// Data is base64-encoded by encoding/json.
	Data []byte `json:"data"`
}

type generationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

func (c *Coordinator) buildRequest(job *Job) generateRequest {
	parts := make([]part, 0, len(job.Images)+1)
	for _, img := range job.Images {
		parts = append(parts, part{InlineData: &inlineData{MIMEType: img.MIMEType, Data: img.Data}})
	}
	prompt := job.Prompt
	if prompt == "" {
		prompt = c.cfg.Prompt
	}
	parts = append(parts, part{Text: prompt})

	return generateRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{ResponseMIMEType: "application/json"},
	}
}

func (c *Coordinator) generate(ctx context.Context, job *Job) (string, error) {
	body, err := json.Marshal(c.buildRequest(job))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Model), url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug().Str("job_id", job.ID).Str("model", c.cfg.Model).Int("images", len(job.Images)).Msg("Inference request")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Kind: KindTransportLost, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindTransportLost, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, respBody)
	}

	text, err := extractText(respBody)
	if err != nil {
		return string(respBody), &Error{Kind: KindMalformedResponse, StatusCode: resp.StatusCode, Body: string(respBody), Err: err}
	}
	return text, nil
}

// extractText concatenates the text parts of the first candidate.
func extractText(body []byte) (string, error) {
	var envelope generateResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("parse envelope: %w", err)
	}
	if envelope.PromptFeedback != nil && envelope.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked: %s", envelope.PromptFeedback.BlockReason)
	}
	if len(envelope.Candidates) == 0 {
		return "", fmt.Errorf("no candidates")
	}

	var sb strings.Builder
	for _, p := range envelope.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("candidate has no text (finish reason %q)", envelope.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}
