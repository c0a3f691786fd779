// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package services

import (
	"context"
	"time"

	"github.com/tomtom215/claudegate/internal/flowstate"
	"github.com/tomtom215/claudegate/internal/logging"
	"github.com/tomtom215/claudegate/internal/metrics"
)

// DefaultJanitorInterval is how often expired pending flows are swept.
const DefaultJanitorInterval = time.Minute

// FlowJanitorService periodically sweeps expired authorization flows
// from the flow-state store and mirrors the pending count into the
// metrics gauge.
type FlowJanitorService struct {
	flows    flowstate.Store
	interval time.Duration
}

// NewFlowJanitorService wraps the flow-state sweep as a supervised
// service.
func NewFlowJanitorService(flows flowstate.Store, interval time.Duration) *FlowJanitorService {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &FlowJanitorService{flows: flows, interval: interval}
}

// Serve implements suture.Service.
func (s *FlowJanitorService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *FlowJanitorService) sweep(ctx context.Context) {
	removed, err := s.flows.Sweep(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("flow sweep failed")
		return
	}
	if removed > 0 {
		logging.Debug().Int("removed", removed).Msg("expired authorization flows swept")
	}
	if pending, err := s.flows.Count(ctx); err == nil {
		metrics.PendingFlows.Set(float64(pending))
	}
}

// String identifies the service in suture's log events.
func (s *FlowJanitorService) String() string {
	return "flow-janitor"
}
