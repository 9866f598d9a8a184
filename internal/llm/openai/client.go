// Package openai implements the enhancement stage against an OpenAI-compatible
// chat completions endpoint.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/extract"
	"github.com/joseph-ayodele/health-records/internal/httpx"
	"github.com/joseph-ayodele/health-records/internal/llm"
)

// Client implements extract.Enhancer and extract.Prober.
type Client struct {
	cfg       Config
	http      *http.Client
	log       *slog.Logger
	limiter   *rate.Limiter
	schema    map[string]any
	allowed   map[string]struct{}
	validator *llm.Validator
}

func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	schema, err := llm.EnhancementSchema()
	if err != nil {
		return nil, err
	}
	v, err := llm.NewValidator(schema)
	if err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		log:       log,
		limiter:   limiter,
		schema:    schema,
		allowed:   llm.AllowedKeys(schema),
		validator: v,
	}, nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Enhance asks the model for a structured reading of the document and returns
// it together with the validated JSON.
func (c *Client) Enhance(ctx context.Context, req extract.EnhanceRequest) (extract.Enhancement, []byte, error) {
	if c.cfg.APIKey == "" {
		return extract.Enhancement{}, nil, fmt.Errorf("%w: llm api key not set", common.ErrProviderUnavailable)
	}
	rid := uuid.New().String()
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return extract.Enhancement{}, nil, err
	}

	c.log.Info("llm.enhance.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"text_len", len(req.Text),
		"entities", len(req.Entities),
		"codes", len(req.Codes),
	)

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt()},
			{"role": "user", "content": llm.BuildUserPrompt(req)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(c.schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, _, err := httpx.SendJSON(ctx, c.http, endpoint, body, c.headers(), c.log)
	if err != nil {
		c.log.Error("llm.enhance.http_error", "req_id", rid, "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return extract.Enhancement{}, nil, wrapHTTP(err)
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return extract.Enhancement{}, raw, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.enhance.no_choices", "req_id", rid)
		return extract.Enhancement{}, raw, fmt.Errorf("no choices in openai response")
	}

	content, err := llm.ExtractJSONObject(cc.Choices[0].Message.Content)
	if err != nil {
		return extract.Enhancement{}, nil, err
	}
	content, err = c.validate(rid, content)
	if err != nil {
		return extract.Enhancement{}, content, err
	}

	var out extract.Enhancement
	if err := json.Unmarshal(content, &out); err != nil {
		return extract.Enhancement{}, content, fmt.Errorf("unmarshal enhancement: %w", err)
	}
	c.log.Info("llm.enhance.ok",
		"req_id", rid,
		"document_type", out.DocumentType,
		"conditions", len(out.Conditions),
		"medications", len(out.Medications),
		"lab_results", len(out.LabResults),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, content, nil
}

// validate checks strictly first, then once more after sanitizing when lenient.
func (c *Client) validate(rid string, content []byte) ([]byte, error) {
	err := c.validator.Validate(content)
	if err == nil {
		return content, nil
	}
	if !c.cfg.LenientOptional {
		c.log.Error("llm.enhance.schema_validation_failed", "req_id", rid, "err", err)
		return content, fmt.Errorf("schema validation failed: %w", err)
	}
	cleaned, dropped, sErr := llm.SanitizeEnhancement(content, c.allowed)
	if sErr != nil {
		c.log.Error("llm.enhance.sanitize_failed", "req_id", rid, "err", sErr)
		return content, fmt.Errorf("sanitize failed: %w", sErr)
	}
	if vErr := c.validator.Validate(cleaned); vErr != nil {
		c.log.Error("llm.enhance.schema_validation_failed", "req_id", rid, "err", vErr)
		return cleaned, fmt.Errorf("schema validation failed: %w", vErr)
	}
	c.log.Warn("llm.enhance.lenient_sanitize_applied", "req_id", rid, "dropped", dropped)
	return cleaned, nil
}

// Probe lists models, which any valid key may do.
func (c *Client) Probe(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("%w: llm api key not set", common.ErrProviderUnavailable)
	}
	return httpx.Probe(ctx, c.http, strings.TrimRight(c.cfg.BaseURL, "/")+"/models", c.headers(), c.log)
}

func wrapHTTP(err error) error {
	var se *httpx.StatusError
	if errors.As(err, &se) && !se.Unavailable() {
		return fmt.Errorf("openai: %w", err)
	}
	return fmt.Errorf("openai: %w: %v", common.ErrProviderUnavailable, err)
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
