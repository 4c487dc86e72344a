package twitch

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Subscription is one live EventSub subscription as the connector tracks it.
type Subscription struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Version     string            `json:"version"`
	Condition   map[string]string `json:"condition"`
	Cost        int               `json:"cost"`
	CreatedAt   time.Time         `json:"created_at"`
	Fingerprint string            `json:"fingerprint"`
	LastSeen    time.Time         `json:"last_seen,omitzero"`
}

// Fingerprint identifies a subscription by intent: lower-cased event type
// joined with the condition rendered as JSON with keys sorted. Two creates
// with the same fingerprint are the same subscription.
func Fingerprint(eventType string, condition map[string]string) string {
	// json.Marshal emits map keys in sorted order, which makes the rendering
	// order-insensitive.
	cond, _ := json.Marshal(condition)
	return strings.ToLower(eventType) + ":" + string(cond)
}

// Registry tracks subscriptions by fingerprint. Reserve/Commit/Release give
// concurrent creators at-most-once semantics per fingerprint.
type Registry struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	pending map[string]struct{}
	byID    map[string]string // subscription id -> fingerprint
	cost    int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:    make(map[string]*Subscription),
		pending: make(map[string]struct{}),
		byID:    make(map[string]string),
	}
}

// Reserve claims a fingerprint for creation. It returns the existing record
// when one is already committed, and reserved=false when another creator
// holds the claim.
func (r *Registry) Reserve(fp string) (existing *Subscription, reserved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[fp]; ok {
		return sub, false
	}
	if _, ok := r.pending[fp]; ok {
		return nil, false
	}
	r.pending[fp] = struct{}{}
	return nil, true
}

// Commit stores a created subscription and clears its reservation.
func (r *Registry) Commit(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, sub.Fingerprint)
	if old, ok := r.subs[sub.Fingerprint]; ok {
		r.cost -= old.Cost
		delete(r.byID, old.ID)
	}
	r.subs[sub.Fingerprint] = sub
	r.byID[sub.ID] = sub.Fingerprint
	r.cost += sub.Cost
}

// Release drops a reservation after a failed create.
func (r *Registry) Release(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, fp)
}

// Get returns the committed record for a fingerprint.
func (r *Registry) Get(fp string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[fp]
}

// Remove forgets a subscription by remote id (revocation, shutdown delete).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, ok := r.byID[id]
	if !ok {
		return
	}
	r.cost -= r.subs[fp].Cost
	delete(r.subs, fp)
	delete(r.byID, id)
}

// Touch stamps the last-seen instant for the subscription that produced a
// notification.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fp, ok := r.byID[id]; ok {
		r.subs[fp].LastSeen = at
	}
}

// Count returns the number of committed subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// TotalCost returns the summed cost of committed subscriptions.
func (r *Registry) TotalCost() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cost
}

// All returns a snapshot of the committed subscriptions.
func (r *Registry) All() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		cp := *sub
		out = append(out, &cp)
	}
	return out
}

// Clear drops every committed subscription and reservation.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]*Subscription)
	r.pending = make(map[string]struct{})
	r.byID = make(map[string]string)
	r.cost = 0
}
