package openai

import (
	"time"
)

// Config for the OpenAI-compatible chat completions client.
type Config struct {
	APIKey            string
	BaseURL           string        // default https://api.openai.com/v1
	Model             string        // e.g. "gpt-4o-mini"
	Temperature       float32       // 0..2
	Timeout           time.Duration // http client timeout
	RequestsPerSecond float64       // 0 = unlimited
	// LenientOptional lets output that fails the schema be sanitized and revalidated once.
	LenientOptional bool
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}
