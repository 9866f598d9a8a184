// Package nlp is the HTTP client for the medical NLP service that backs the
// entities and terminology stages.
package nlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/extract"
	"github.com/joseph-ayodele/health-records/internal/httpx"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// MinScore drops entities and concepts scored below it.
	MinScore float64
}

// Client implements extract.EntityExtractor and extract.TerminologyValidator.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.5
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

// Configured reports whether a service URL was given.
func (c *Client) Configured() bool { return c.cfg.BaseURL != "" }

func (c *Client) headers() map[string]string {
	if c.cfg.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

type entitiesRequest struct {
	Text string `json:"text"`
}

type entitiesResponse struct {
	Entities []extract.MedicalEntity `json:"entities"`
}

func (c *Client) DetectEntities(ctx context.Context, text string) ([]extract.MedicalEntity, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: nlp base url not set", common.ErrProviderUnavailable)
	}
	raw, _, err := httpx.SendJSON(ctx, c.http, c.cfg.BaseURL+"/v1/entities", entitiesRequest{Text: text}, c.headers(), c.log)
	if err != nil {
		return nil, c.wrap("detect entities", err)
	}
	var resp entitiesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	out := make([]extract.MedicalEntity, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		if e.Score < c.cfg.MinScore || strings.TrimSpace(e.Text) == "" {
			continue
		}
		out = append(out, e)
	}
	c.log.Debug("nlp.entities.ok", "returned", len(resp.Entities), "kept", len(out))
	return out, nil
}

type codesRequest struct {
	Text     string                  `json:"text"`
	Entities []extract.MedicalEntity `json:"entities"`
}

type codesResponse struct {
	Codes []extract.CodedEntity `json:"codes"`
}

func (c *Client) InferCodes(ctx context.Context, text string, entities []extract.MedicalEntity) ([]extract.CodedEntity, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: nlp base url not set", common.ErrProviderUnavailable)
	}
	if len(entities) == 0 {
		return nil, nil
	}
	raw, _, err := httpx.SendJSON(ctx, c.http, c.cfg.BaseURL+"/v1/codes", codesRequest{Text: text, Entities: entities}, c.headers(), c.log)
	if err != nil {
		return nil, c.wrap("infer codes", err)
	}
	var resp codesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode codes: %w", err)
	}
	out := make([]extract.CodedEntity, 0, len(resp.Codes))
	for _, ce := range resp.Codes {
		kept := make([]extract.Concept, 0, len(ce.Concepts))
		for _, con := range ce.Concepts {
			if con.Score >= c.cfg.MinScore && con.Code != "" {
				kept = append(kept, con)
			}
		}
		if len(kept) == 0 {
			continue
		}
		ce.Concepts = kept
		out = append(out, ce)
	}
	return out, nil
}

// Probe calls the service health endpoint.
func (c *Client) Probe(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("%w: nlp base url not set", common.ErrProviderUnavailable)
	}
	return httpx.Probe(ctx, c.http, c.cfg.BaseURL+"/healthz", c.headers(), c.log)
}

func (c *Client) wrap(op string, err error) error {
	var se *httpx.StatusError
	if errors.As(err, &se) && !se.Unavailable() {
		return fmt.Errorf("nlp %s: %w", op, err)
	}
	return fmt.Errorf("nlp %s: %w: %v", op, common.ErrProviderUnavailable, err)
}
