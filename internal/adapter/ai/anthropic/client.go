// Package anthropic implements the vision analyzer on the Claude Messages
// API.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/resello/inspect3d/internal/adapter/ai"
	"github.com/resello/inspect3d/internal/adapter/observability"
	"github.com/resello/inspect3d/internal/config"
	"github.com/resello/inspect3d/internal/domain"
)

// Token caps keep per-image cost bounded. Description generation needs
// headroom for the model's reasoning tokens.
const (
	analyzeMaxTokens  = 800
	describeMaxTokens = 2000

	analyzeTemperature  = 0.1
	describeTemperature = 0.7
)

// Client calls Claude for defect analysis and description generation. A
// circuit breaker sits in front of the API so a dead upstream fails fast
// instead of burning the per-request time budget.
type Client struct {
	api     anthropic.Client
	model   string
	prompts config.Prompts
	breaker *gobreaker.CircuitBreaker
}

// New constructs a Client.
func New(apiKey, model string, prompts config.Prompts) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("op=anthropic.New: api key required: %w", domain.ErrInvalidInput)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "anthropic",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		api: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(newHTTPClient()),
		),
		model:   model,
		prompts: prompts,
		breaker: cb,
	}, nil
}

// newHTTPClient wraps the default transport so every outbound API call gets
// an OTEL span alongside the repo-level spans.
func newHTTPClient() *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Claude %s %s", r.Method, r.URL.Host)
		}),
	)
	return &http.Client{Transport: transport}
}

// ModelName returns the configured model identifier for markdown footers.
func (c *Client) ModelName() string { return c.model }

// AnalyzeImage runs the defect inspection prompt over a single image and
// parses the strict-JSON verdict, falling back to the default verdict on
// parse failure.
func (c *Client) AnalyzeImage(ctx context.Context, img domain.ImagePayload, category string) (domain.ImageVerdict, error) {
	start := time.Now()
	userPrompt := fmt.Sprintf(c.prompts.AnalyzeUserTemplate, category)
	raw, err := c.message(ctx, analyzeMaxTokens, analyzeTemperature, c.prompts.InspectionSystem, img, userPrompt)
	observability.AnalyzerRequestDuration.WithLabelValues("analyze").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.AnalyzerRequestsTotal.WithLabelValues("analyze", "error").Inc()
		return domain.ImageVerdict{}, err
	}
	v := ai.ParseVerdict(raw)
	v.ImageRef = img.Ref
	if v.Defaulted {
		observability.AnalyzerRequestsTotal.WithLabelValues("analyze", "defaulted").Inc()
		observability.VerdictsDefaultedTotal.Inc()
		observability.LoggerFromContext(ctx).Warn("verdict parse fell back to default",
			slog.String("ref", img.Ref), slog.String("reason", v.DefaultReason))
	} else {
		observability.AnalyzerRequestsTotal.WithLabelValues("analyze", "ok").Inc()
	}
	return v, nil
}

// DescribeImage generates a seller-style product description. Safety blocks
// and empty candidates return a canned fallback sentence, never an error.
func (c *Client) DescribeImage(ctx context.Context, img domain.ImagePayload, productName string) (string, error) {
	start := time.Now()
	userPrompt := fmt.Sprintf(c.prompts.DescribeTemplate, productName)
	raw, err := c.message(ctx, describeMaxTokens, describeTemperature, "", img, userPrompt)
	observability.AnalyzerRequestDuration.WithLabelValues("describe").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.AnalyzerRequestsTotal.WithLabelValues("describe", "error").Inc()
		return "", err
	}
	if raw == "" {
		observability.AnalyzerRequestsTotal.WithLabelValues("describe", "fallback").Inc()
		observability.LoggerFromContext(ctx).Warn("empty description response, using fallback",
			slog.String("product", productName))
		return fallbackDescription(productName), nil
	}
	observability.AnalyzerRequestsTotal.WithLabelValues("describe", "ok").Inc()
	return ai.TrimWrappingQuotes(raw), nil
}

func fallbackDescription(productName string) string {
	return fmt.Sprintf("%s 제품입니다. 이미지를 확인하시고 제품의 상태와 특징을 직접 입력해주세요.", productName)
}

// message performs one vision call and returns the concatenated text blocks.
func (c *Client) message(ctx context.Context, maxTokens int64, temperature float64, system string, img domain.ImagePayload, userPrompt string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(img.Data)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(img.MediaType, encoded),
				anthropic.NewTextBlock(userPrompt),
			),
		},
	}
	if system != "" {
		// Ephemeral caching: the few-shot system prompt dominates input
		// tokens and repeats on every image of a batch.
		params.System = []anthropic.TextBlockParam{
			{Text: system, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		}
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.api.Messages.New(ctx, params)
	})
	if err != nil {
		return "", classify(err)
	}
	msg := res.(*anthropic.Message)
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// classify maps SDK and breaker errors onto the failure taxonomy.
func classify(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open: %w", domain.ErrUpstreamTransient, err)
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return fmt.Errorf("%w: %w", domain.ErrUpstreamRateLimit, err)
		case apierr.StatusCode >= 500:
			return fmt.Errorf("%w: %w", domain.ErrUpstreamTransient, err)
		default:
			return fmt.Errorf("%w: status %d: %w", domain.ErrAnalyzer, apierr.StatusCode, err)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrAnalyzer, err)
}
