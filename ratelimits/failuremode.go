package ratelimits

import (
	"context"

	"go.uber.org/zap"
)

// FailureModeGate wraps admission and read-only operations with the
// classification of spec.md §4.H: RateLimitExceeded and ValidationError
// propagate untouched (business outcomes, not faults); InfrastructureError
// consults the resolved on_unavailable policy.
type FailureModeGate struct {
	admission            *Admission
	resolver             *Resolver
	opaqueID             string
	defaultOnUnavailable OnUnavailable
	logger               *zap.Logger
}

// NewFailureModeGate returns a gate whose constructor default is used
// whenever the resolver itself cannot be consulted (spec.md §4.H: "if
// resolution itself failed infrastructurally, the gate falls back to the
// constructor default"). The spec recommends a conservative default of
// BLOCK.
func NewFailureModeGate(admission *Admission, resolver *Resolver, opaqueID string, defaultOnUnavailable OnUnavailable, logger *zap.Logger) *FailureModeGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureModeGate{
		admission:            admission,
		resolver:             resolver,
		opaqueID:             opaqueID,
		defaultOnUnavailable: defaultOnUnavailable,
		logger:               logger,
	}
}

// Acquire runs Admission.Acquire through the gate.
func (g *FailureModeGate) Acquire(ctx context.Context, req AcquireRequest) (*Lease, error) {
	lease, err := g.admission.Acquire(ctx, req)
	if err == nil {
		return lease, nil
	}
	return g.handle(ctx, err)
}

// Available runs Admission.Available through the gate.
func (g *FailureModeGate) Available(ctx context.Context, entityID, resource string) (map[string]int64, error) {
	out, err := g.admission.Available(ctx, entityID, resource)
	if err == nil {
		return out, nil
	}
	if !IsInfrastructure(err) {
		return nil, err
	}
	_, gateErr := g.handle(ctx, err)
	return nil, gateErr
}

// GetStatus runs Admission.GetStatus through the gate.
func (g *FailureModeGate) GetStatus(ctx context.Context, entityID, resource string, requested map[string]int64) ([]LimitStatus, error) {
	statuses, err := g.admission.GetStatus(ctx, entityID, resource, requested)
	if err == nil {
		return statuses, nil
	}
	if !IsInfrastructure(err) {
		return nil, err
	}
	_, gateErr := g.handle(ctx, err)
	return nil, gateErr
}

// handle applies the BLOCK/ALLOW policy to an error Acquire/Available/
// GetStatus returned. Available and GetStatus only pass it an
// InfrastructureError; Acquire passes every error, and handle propagates
// anything that is not an InfrastructureError unchanged.
func (g *FailureModeGate) handle(ctx context.Context, err error) (*Lease, error) {
	if !IsInfrastructure(err) {
		// RateLimitExceeded, ValidationError, and anything else: propagate.
		return nil, err
	}

	policy, resolveErr := g.resolver.resolveOnUnavailable(ctx, g.opaqueID)
	if resolveErr != nil || policy == OnUnavailableUnset {
		policy = g.defaultOnUnavailable
	}

	switch policy {
	case OnUnavailableAllow:
		g.logger.Warn("rate limiter unavailable, failing open", zap.Error(err))
		return newNoopLease(), nil
	default:
		return nil, &RateLimiterUnavailable{Err: err}
	}
}
