// Package sse streams plan step events to clients over server-sent events,
// with per-ip and per-subject connection quotas.
package sse

import (
	"sync"
)

// Quota caps concurrent SSE connections per client ip and per subject.
type Quota struct {
	perIP      int
	perSubject int

	mu       sync.Mutex
	ips      map[string]int
	subjects map[string]int
}

// NewQuota creates a quota manager. A cap of 0 disables that dimension.
func NewQuota(perIP, perSubject int) *Quota {
	return &Quota{
		perIP:      perIP,
		perSubject: perSubject,
		ips:        make(map[string]int),
		subjects:   make(map[string]int),
	}
}

// Acquire reserves a connection slot for the ip and, when present, the
// subject. It returns a release func, or false when either cap is
// exhausted. Release is idempotent.
func (q *Quota) Acquire(ip, subjectID string) (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.perIP > 0 && ip != "" && q.ips[ip] >= q.perIP {
		return nil, false
	}
	if q.perSubject > 0 && subjectID != "" && q.subjects[subjectID] >= q.perSubject {
		return nil, false
	}

	if ip != "" {
		q.ips[ip]++
	}
	if subjectID != "" {
		q.subjects[subjectID]++
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if ip != "" {
				q.ips[ip]--
				if q.ips[ip] <= 0 {
					delete(q.ips, ip)
				}
			}
			if subjectID != "" {
				q.subjects[subjectID]--
				if q.subjects[subjectID] <= 0 {
					delete(q.subjects, subjectID)
				}
			}
		})
	}
	return release, true
}

// InUse reports current connection counts, for readiness details.
func (q *Quota) InUse() (ips, subjects int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.ips {
		ips += n
	}
	for _, n := range q.subjects {
		subjects += n
	}
	return ips, subjects
}
