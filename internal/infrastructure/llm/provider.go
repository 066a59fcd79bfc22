package llm

import (
	"context"
	"fmt"

	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/chat"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/responses"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/wire"
	"go.uber.org/zap"
)

// Endpoint wraps one configured wire.Client with the metadata the Router
// needs to pick among several (availability, supported models).
type Endpoint struct {
	wire.Client
	name     string
	models   []string
	priority int
	apiKey   string
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Models() []string { return e.models }

func (e *Endpoint) SupportsModel(model string) bool {
	if len(e.models) == 0 {
		return true
	}
	for _, m := range e.models {
		if m == model {
			return true
		}
	}
	return false
}

func (e *Endpoint) IsAvailable(ctx context.Context) bool { return e.apiKey != "" }

// EndpointConfig holds configuration for one wire endpoint.
type EndpointConfig struct {
	Name     string   `mapstructure:"name"`
	Protocol string   `mapstructure:"protocol"` // "responses" | "chat"
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Model    string   `mapstructure:"model"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// NewEndpoint builds an Endpoint backed by the wire client matching
// cfg.Protocol. Protocol defaults to "responses".
func NewEndpoint(cfg EndpointConfig, logger *zap.Logger) (*Endpoint, error) {
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "responses"
	}

	wcfg := wire.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model}

	var client wire.Client
	switch protocol {
	case "responses":
		client = responses.New(wcfg, logger)
	case "chat":
		client = chat.New(wcfg, logger)
	default:
		return nil, fmt.Errorf("unknown wire protocol %q", protocol)
	}

	return &Endpoint{
		Client:   client,
		name:     cfg.Name,
		models:   cfg.Models,
		priority: cfg.Priority,
		apiKey:   cfg.APIKey,
	}, nil
}

