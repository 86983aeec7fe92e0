// Package provider is the HTTP adapter for OpenAI-compatible model
// backends, with the auth-style differences between OpenAI and Anthropic
// handled by a small type registry.
package provider

import (
	"fmt"
	"strings"
	"time"
)

// TypeDefaults carries the per-provider-type wire conventions.
type TypeDefaults struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalTimeout   time.Duration
	HealthPath     string
	ChatPath       string
	AuthHeader     string
	AuthPrefix     string
	ExtraHeaders   map[string]string
}

func openAIDefaults() TypeDefaults {
	return TypeDefaults{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    60 * time.Second,
		TotalTimeout:   300 * time.Second,
		HealthPath:     "/models",
		ChatPath:       "/chat/completions",
		AuthHeader:     "Authorization",
		AuthPrefix:     "Bearer",
	}
}

var typeDefaults = map[string]TypeDefaults{
	"openai":        openAIDefaults(),
	"openai_compat": openAIDefaults(),
	"anthropic": {
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    60 * time.Second,
		TotalTimeout:   300 * time.Second,
		HealthPath:     "/messages",
		ChatPath:       "/messages",
		AuthHeader:     "x-api-key",
		AuthPrefix:     "",
		ExtraHeaders:   map[string]string{"anthropic-version": "2023-06-01"},
	},
}

// SupportedTypes lists the recognized provider types.
func SupportedTypes() []string {
	return []string{"openai", "openai_compat", "anthropic"}
}

// Defaults resolves a provider type's conventions. Unknown types fall back
// to the OpenAI shape.
func Defaults(providerType string) TypeDefaults {
	if d, ok := typeDefaults[providerType]; ok {
		return d
	}
	return openAIDefaults()
}

// Config is one configured upstream provider.
type Config struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // openai | openai_compat | anthropic
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Validate returns every configuration problem at once, matching how
// startup reports them.
func (c Config) Validate() []string {
	var errs []string
	if c.Name == "" {
		errs = append(errs, "provider 'name' is required")
	}
	if c.BaseURL == "" {
		errs = append(errs, "provider 'base_url' is required")
	}
	if c.APIKey == "" {
		errs = append(errs, "provider 'api_key' is required")
	}
	if c.Type != "" {
		if _, ok := typeDefaults[c.Type]; !ok {
			errs = append(errs, fmt.Sprintf("unknown provider type %q, supported: %v",
				c.Type, SupportedTypes()))
		}
	}
	return errs
}

func (c Config) effectiveType() string {
	if c.Type == "" {
		return "openai"
	}
	return c.Type
}

// AuthHeaders builds the auth and content headers for this provider.
func (c Config) AuthHeaders() map[string]string {
	d := Defaults(c.effectiveType())
	headers := map[string]string{"Content-Type": "application/json"}
	if d.AuthPrefix != "" {
		headers[d.AuthHeader] = d.AuthPrefix + " " + c.APIKey
	} else {
		headers[d.AuthHeader] = c.APIKey
	}
	for k, v := range d.ExtraHeaders {
		headers[k] = v
	}
	return headers
}

// ChatURL resolves the completion endpoint.
func (c Config) ChatURL() string {
	return strings.TrimRight(c.BaseURL, "/") + Defaults(c.effectiveType()).ChatPath
}

// EstimateTokens is the request-side heuristic used before any provider
// report exists: roughly 3.5 characters per token, conservative for
// English.
func EstimateTokens(text string) int64 {
	return int64(float64(len(text)) / 3.5)
}

// EstimateMessageTokens sums the heuristic over message contents.
func EstimateMessageTokens(messages []Message) int64 {
	var text strings.Builder
	for _, m := range messages {
		text.WriteString(m.Content)
	}
	return EstimateTokens(text.String())
}
