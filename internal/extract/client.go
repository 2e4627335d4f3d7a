// internal/extract/client.go

// Package extract wraps the LLM call that turns sieved pull requests into
// structured decision records. The model may decline to extract a decision
// for any input: a shorter (or empty) result is a legitimate outcome, not a
// transport failure.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	callTimeout    = 120 * time.Second
	maxOutputTokens = 4096
)

// errAPIKeyRequired is returned when no API key is configured.
var errAPIKeyRequired = errors.New("API key required")

// PRSummary is one unit of extraction input.
type PRSummary struct {
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Body     string     `json:"body"`
	Diff     string     `json:"diff"`
	Author   string     `json:"author"`
	MergedAt *time.Time `json:"merged_at"`
}

// ExtractedDecision is one structured decision produced by the model.
type ExtractedDecision struct {
	SourceID     int64    `json:"source_id"`
	Title        string   `json:"title"`
	Context      string   `json:"context"`
	Decision     string   `json:"decision"`
	Reasoning    string   `json:"reasoning"`
	Consequences string   `json:"consequences"`
	Alternatives []string `json:"alternatives"`
	Tags         []string `json:"tags"`
	Significance float64  `json:"significance"`
}

// Result is the outcome of one extraction call, including its usage
// metadata for the cost ledger.
type Result struct {
	Decisions    []ExtractedDecision
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	RawResponse  string
}

// Suggestions is the outcome of a consequence-suggestion call. It shares the
// cost-accounting contract with Result but claims no candidate.
type Suggestions struct {
	Suggestions  []string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// perMTok holds USD prices per million tokens.
type perMTok struct {
	input  float64
	output float64
}

var pricing = map[string]perMTok{
	"claude-3-5-haiku":  {input: 0.80, output: 4.00},
	"claude-3-5-sonnet": {input: 3.00, output: 15.00},
	"claude-3-7-sonnet": {input: 3.00, output: 15.00},
}

// Client wraps the Anthropic API for decision extraction.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	logger         *slog.Logger
	maxRetries     int
	initialBackoff time.Duration
}

// NewClient creates a new extraction client. Extra request options are
// forwarded to the SDK (tests use option.WithBaseURL).
func NewClient(apiKey, model string, logger *slog.Logger, opts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", errAPIKeyRequired)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client:         anthropic.NewClient(opts...),
		model:          anthropic.Model(model),
		logger:         logger,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

const extractSystemPrompt = `You review merged pull requests and extract architectural decision records.
For each input PR that documents a real architectural decision, produce one JSON object with fields:
source_id (copy from input), title, context, decision, reasoning, consequences,
alternatives (array of strings), tags (array of strings), significance (0.0-1.0).
Skip PRs that contain no architectural decision. Respond with a JSON array only, no prose.
An empty array is a valid answer.`

// Extract sends a batch of PR summaries and parses the structured decisions
// out of the response. len(result.Decisions) may be smaller than len(batch),
// including zero.
func (c *Client) Extract(ctx context.Context, batch []PRSummary) (*Result, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("extract: empty batch")
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("extract: marshal batch: %w", err)
	}

	msg, err := c.callWithRetry(ctx, extractSystemPrompt, string(payload))
	if err != nil {
		return nil, err
	}

	raw := textContent(msg)
	decisions, err := parseDecisions(raw)
	if err != nil {
		return nil, fmt.Errorf("extract: malformed model response: %w", err)
	}

	return &Result{
		Decisions:    decisions,
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		Cost:         c.cost(msg.Usage.InputTokens, msg.Usage.OutputTokens),
		RawResponse:  raw,
	}, nil
}

const suggestSystemPrompt = `Given an architectural decision (title, context, decision, reasoning),
suggest up to five likely consequences. Respond with a JSON array of strings only.`

// SuggestConsequences asks the model for likely consequences of a decision.
func (c *Client) SuggestConsequences(ctx context.Context, title, context_, decision, reasoning string) (*Suggestions, error) {
	payload, err := json.Marshal(map[string]string{
		"title":     title,
		"context":   context_,
		"decision":  decision,
		"reasoning": reasoning,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: marshal suggestion input: %w", err)
	}

	msg, err := c.callWithRetry(ctx, suggestSystemPrompt, string(payload))
	if err != nil {
		return nil, err
	}

	raw := textContent(msg)
	var suggestions []string
	if err := json.Unmarshal([]byte(stripFences(raw)), &suggestions); err != nil {
		return nil, fmt.Errorf("extract: malformed suggestion response: %w", err)
	}

	return &Suggestions{
		Suggestions:  suggestions,
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		Cost:         c.cost(msg.Usage.InputTokens, msg.Usage.OutputTokens),
	}, nil
}

func (c *Client) callWithRetry(ctx context.Context, system, prompt string) (*anthropic.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxOutputTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return message, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("extract: non-retryable error: %w", err)
		}
		c.logger.Warn("Extraction call failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("extract: failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func (c *Client) cost(inputTokens, outputTokens int64) float64 {
	for prefix, p := range pricing {
		if strings.HasPrefix(string(c.model), prefix) {
			return float64(inputTokens)/1e6*p.input + float64(outputTokens)/1e6*p.output
		}
	}
	// Unknown model: price as the most expensive known tier so the governor
	// overcounts rather than undercounts.
	return float64(inputTokens)/1e6*3.00 + float64(outputTokens)/1e6*15.00
}

func textContent(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func parseDecisions(raw string) ([]ExtractedDecision, error) {
	cleaned := stripFences(raw)
	if strings.TrimSpace(cleaned) == "" {
		return nil, nil
	}
	var decisions []ExtractedDecision
	if err := json.Unmarshal([]byte(cleaned), &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
