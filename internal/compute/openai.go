package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/calcqueue/internal/config"
	"github.com/kiranshivaraju/calcqueue/pkg/models"
	"golang.org/x/time/rate"
)

// OpenAI asks an OpenAI-compatible chat completions endpoint to do the arithmetic.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAI creates a provider that sends at most ratePerSec requests per second.
func NewOpenAI(cfg config.OpenAIConfig, timeout time.Duration, ratePerSec float64) *OpenAI {
	burst := int(ratePerSec)
	if burst <= 0 {
		burst = 1
	}
	return &OpenAI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

func (p *OpenAI) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func prompt(op models.Operation, a, b float64) string {
	return fmt.Sprintf("Calculate the %s of %s and %s. Return your response in JSON format using exactly "+
		"this structure: { \"result\": calculation_result }. Only return the JSON, with no additional text.",
		op, strconv.FormatFloat(a, 'g', -1, 64), strconv.FormatFloat(b, 'g', -1, 64))
}

func (p *OpenAI) Compute(ctx context.Context, op models.Operation, a, b float64) (float64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidOperation, op)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: rate limiter: %v", ErrComputeUnavailable, err)
	}

	body, err := json.Marshal(chatRequest{
		Model:          p.model,
		Messages:       []chatMessage{{Role: "user", Content: prompt(op, a, b)}},
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return 0, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("%w: status %d: %s", ErrComputeUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return 0, fmt.Errorf("%w: decoding response: %v", ErrComputeUnavailable, err)
	}
	if len(chat.Choices) == 0 {
		return 0, fmt.Errorf("%w: response has no choices", ErrComputeUnavailable)
	}

	v, err := parseResult(chat.Choices[0].Message.Content)
	if err != nil {
		return 0, err
	}
	if err := checkFinite(op, v); err != nil {
		return 0, err
	}
	return v, nil
}

// parseResult extracts "result" from the model's JSON answer. Both a JSON number and a
// numeric string are accepted.
func parseResult(content string) (float64, error) {
	var payload struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return 0, fmt.Errorf("%w: content is not JSON: %v", ErrComputeUnavailable, err)
	}
	if len(payload.Result) == 0 || string(payload.Result) == "null" {
		return 0, fmt.Errorf("%w: missing result field", ErrInvalidResult)
	}

	var n float64
	if err := json.Unmarshal(payload.Result, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(payload.Result, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: result %s is not a number", ErrInvalidResult, payload.Result)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timeout: %v", ErrComputeUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrComputeUnavailable, err)
	}

	return fmt.Errorf("%w: unreachable: %v", ErrComputeUnavailable, err)
}

var _ Computer = (*OpenAI)(nil)
