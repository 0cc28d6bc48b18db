package gateway

import (
	"context"

	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
)

// LocalSender publishes straight into an in-process host registry.
type LocalSender struct {
	registry *broadcast.Registry
}

func NewLocalSender(registry *broadcast.Registry) *LocalSender {
	return &LocalSender{registry: registry}
}

func (s *LocalSender) Send(_ context.Context, host string, event domain.Event) error {
	h := s.registry.Host(host)
	if h == nil {
		return domain.ErrHostStopped
	}
	h.PublishEvent(event)
	return nil
}
