package webhook

import (
	"slices"
	"sync"
)

// Service holds the configured webhooks.
type Service struct {
	mu       sync.RWMutex
	webhooks []Webhook
}

// NewService creates a service holding webhooks.
func NewService(webhooks []Webhook) *Service {
	return &Service{webhooks: slices.Clone(webhooks)}
}

// List returns every webhook.
func (s *Service) List() []Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.webhooks)
}

// ListByEvent returns the webhooks subscribed to eventType.
func (s *Service) ListByEvent(eventType string) []Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Webhook
	for _, w := range s.webhooks {
		if w.Wants(eventType) {
			out = append(out, w)
		}
	}
	return out
}

// Len returns the number of webhooks.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.webhooks)
}
