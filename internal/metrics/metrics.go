package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Counter struct {
	value uint64
}

func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

func (c *Counter) Add(n uint64) {
	atomic.AddUint64(&c.value, n)
}

func (c *Counter) Load() uint64 {
	return atomic.LoadUint64(&c.value)
}

type Timer struct {
	start time.Time
}

func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Gateway counts the traffic handled by one gateway module.
type Gateway struct {
	CallbacksReceived  Counter
	CallbacksRejected  Counter
	CallbacksDuplicate Counter
	PaymentsAdded      Counter
	RefundsRecorded    Counter
	ActionErrors       Counter
}

type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: map[string]*Gateway{}}
}

var defaultRegistry = NewRegistry()

// For returns the counters of the named gateway in the default registry.
func For(name string) *Gateway {
	return defaultRegistry.For(name)
}

func Default() *Registry {
	return defaultRegistry
}

func (r *Registry) For(name string) *Gateway {
	r.mu.RLock()
	g, ok := r.gateways[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gateways[name]; !ok {
		g = &Gateway{}
		r.gateways[name] = g
	}
	return g
}

type GatewaySnapshot struct {
	Gateway            string `json:"gateway"`
	CallbacksReceived  uint64 `json:"callbacks_received"`
	CallbacksRejected  uint64 `json:"callbacks_rejected"`
	CallbacksDuplicate uint64 `json:"callbacks_duplicate"`
	PaymentsAdded      uint64 `json:"payments_added"`
	RefundsRecorded    uint64 `json:"refunds_recorded"`
	ActionErrors       uint64 `json:"action_errors"`
}

// Snapshot returns the current counters ordered by gateway name.
func (r *Registry) Snapshot() []GatewaySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]GatewaySnapshot, 0, len(r.gateways))
	for name, g := range r.gateways {
		out = append(out, GatewaySnapshot{
			Gateway:            name,
			CallbacksReceived:  g.CallbacksReceived.Load(),
			CallbacksRejected:  g.CallbacksRejected.Load(),
			CallbacksDuplicate: g.CallbacksDuplicate.Load(),
			PaymentsAdded:      g.PaymentsAdded.Load(),
			RefundsRecorded:    g.RefundsRecorded.Load(),
			ActionErrors:       g.ActionErrors.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gateway < out[j].Gateway })
	return out
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"gateways": r.Snapshot(),
		})
	})
}
