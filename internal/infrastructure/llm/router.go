package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

// Router streams a turn through the first available, circuit-closed
// endpoint that supports the requested model, falling over to the next
// configured endpoint on failure.
type Router struct {
	endpoints []*Endpoint
	stats     map[string]*endpointStats
	breakers  map[string]*CircuitBreaker
	mu        sync.RWMutex
	logger    *zap.Logger
}

type endpointStats struct {
	TotalCalls   int64
	FailureCount int64
	LastLatency  time.Duration
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		stats:    make(map[string]*endpointStats),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

// AddEndpoint registers an endpoint. Endpoints are tried in insertion
// order, so callers should add higher-priority endpoints first.
func (r *Router) AddEndpoint(e *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = append(r.endpoints, e)
	r.stats[e.Name()] = &endpointStats{}
	r.breakers[e.Name()] = NewCircuitBreaker(5, 30*time.Second)
	r.logger.Info("llm endpoint added", zap.String("name", e.Name()), zap.Strings("models", e.Models()))
}

// StreamTurn routes one turn to the first available endpoint, recording
// circuit-breaker state and falling over to the next endpoint on failure.
func (r *Router) StreamTurn(ctx context.Context, conversationID string, prompt entity.Prompt, model string) (<-chan entity.ResponseEvent, error) {
	r.mu.RLock()
	endpoints := make([]*Endpoint, len(r.endpoints))
	copy(endpoints, r.endpoints)
	r.mu.RUnlock()

	var lastErr error
	for _, e := range endpoints {
		if !e.SupportsModel(model) || !e.IsAvailable(ctx) {
			continue
		}
		if cb, ok := r.breakers[e.Name()]; ok && !cb.Allow() {
			r.logger.Debug("endpoint circuit open, skipping", zap.String("endpoint", e.Name()))
			continue
		}

		start := time.Now()
		ch, err := e.StreamTurn(ctx, conversationID, prompt)
		latency := time.Since(start)

		r.mu.Lock()
		if s, ok := r.stats[e.Name()]; ok {
			s.TotalCalls++
			s.LastLatency = latency
			if err != nil {
				s.FailureCount++
			}
		}
		r.mu.Unlock()

		if err != nil {
			if cb, ok := r.breakers[e.Name()]; ok {
				cb.RecordFailure()
			}
			lastErr = err
			r.logger.Warn("endpoint failed, trying next", zap.String("endpoint", e.Name()), zap.Error(err))
			continue
		}

		if cb, ok := r.breakers[e.Name()]; ok {
			cb.RecordSuccess()
		}
		return ch, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all endpoints failed, last error: %w", lastErr)
	}
	return nil, fmt.Errorf("no endpoint available for model %q", model)
}

// EndpointStatus describes one endpoint's current state and performance.
type EndpointStatus struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	Available     bool     `json:"available"`
	TotalCalls    int64    `json:"total_calls"`
	FailureCount  int64    `json:"failure_count"`
	LastLatencyMs float64  `json:"last_latency_ms"`
	CircuitState  string   `json:"circuit_state"`
}

func (r *Router) ListEndpoints(ctx context.Context) []EndpointStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []EndpointStatus
	for _, e := range r.endpoints {
		st := EndpointStatus{Name: e.Name(), Models: e.Models(), Available: e.IsAvailable(ctx)}
		if s, ok := r.stats[e.Name()]; ok {
			st.TotalCalls = s.TotalCalls
			st.FailureCount = s.FailureCount
			st.LastLatencyMs = float64(s.LastLatency) / float64(time.Millisecond)
		}
		if cb, ok := r.breakers[e.Name()]; ok {
			st.CircuitState = cb.State().String()
		}
		result = append(result, st)
	}
	return result
}
