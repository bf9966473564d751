package ratelimits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsInfrastructureUnwraps(t *testing.T) {
	inner := newInfrastructureError("get_bucket", errors.New("boom"))
	wrapped := &RateLimiterUnavailable{Err: inner}
	assert.True(t, IsInfrastructure(wrapped))
	assert.False(t, IsInfrastructure(errors.New("plain")))
}

func TestIsConflictIsNotFoundIsAlreadyExists(t *testing.T) {
	assert.True(t, IsConflict(&ConflictError{Key: "k"}))
	assert.True(t, IsNotFound(&NotFoundError{Key: "k"}))
	assert.True(t, IsAlreadyExists(&AlreadyExistsError{Key: "k"}))
	assert.False(t, IsConflict(&NotFoundError{Key: "k"}))
}

func TestNewRateLimitExceededPicksWorstViolation(t *testing.T) {
	statuses := []LimitStatus{
		{LimitName: "a", Exceeded: true, RetryAfterMs: 100},
		{LimitName: "b", Exceeded: true, RetryAfterMs: 500},
		{LimitName: "c", Exceeded: false, RetryAfterMs: 0},
	}
	err := newRateLimitExceeded(statuses).(*RateLimitExceeded)
	assert.Equal(t, "b", err.PrimaryViolation.LimitName)
	assert.Contains(t, err.Error(), "retry after")
}

func TestRateLimiterUnavailableUnwraps(t *testing.T) {
	inner := errors.New("conn refused")
	err := &RateLimiterUnavailable{Err: inner}
	assert.ErrorIs(t, err, inner)
}
