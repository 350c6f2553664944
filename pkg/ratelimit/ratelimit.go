// Package ratelimit applies per-endpoint sliding window limits keyed by
// identity or client ip.
package ratelimit

import (
	"context"
	"time"
)

// Result is one limiter verdict. RetryAfter is set when denied.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limit is one sliding window shape.
type Limit struct {
	Window time.Duration
	Max    int
}

// Backend counts hits per bucket key within a sliding window.
type Backend interface {
	Allow(ctx context.Context, key string, limit Limit) (Result, error)
}

// Limiter evaluates per-endpoint buckets. For each request the identity
// bucket is checked first, then the ip bucket; the first denying bucket
// wins.
type Limiter struct {
	backend Backend
	limits  map[string]Limit
}

// New creates a limiter with per-endpoint limits. An endpoint without a
// configured limit is unlimited.
func New(backend Backend, limits map[string]Limit) *Limiter {
	return &Limiter{backend: backend, limits: limits}
}

// Identity picks the strongest available caller identity.
func Identity(subjectID, agentName, ip string) string {
	if subjectID != "" {
		return subjectID
	}
	if agentName != "" {
		return agentName
	}
	return ip
}

// Check evaluates the endpoint's buckets for the caller.
func (l *Limiter) Check(ctx context.Context, endpoint, identity, ip string) (Result, error) {
	limit, ok := l.limits[endpoint]
	if !ok || limit.Max <= 0 {
		return Result{Allowed: true}, nil
	}

	keys := make([]string, 0, 2)
	if identity != "" {
		keys = append(keys, endpoint+":id:"+identity)
	}
	if ip != "" && ip != identity {
		keys = append(keys, endpoint+":ip:"+ip)
	}

	for _, key := range keys {
		res, err := l.backend.Allow(ctx, key, limit)
		if err != nil {
			return Result{}, err
		}
		if !res.Allowed {
			return res, nil
		}
	}
	return Result{Allowed: true}, nil
}
