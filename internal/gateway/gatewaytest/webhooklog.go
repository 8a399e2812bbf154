// Package gatewaytest provides in-memory collaborators for gateway module tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"sync"
)

type WebhookEntry struct {
	ID         int64
	Provider   string
	EventID    string
	EventType  string
	ExternalID string
	Payload    json.RawMessage
	Processed  bool
	Claimed    bool
	Error      string
}

// MemWebhookLog is an in-memory gateway.WebhookLog.
type MemWebhookLog struct {
	mu      sync.Mutex
	entries map[string]*WebhookEntry
	byID    map[int64]*WebhookEntry
	nextID  int64
}

func NewMemWebhookLog() *MemWebhookLog {
	return &MemWebhookLog{
		entries: map[string]*WebhookEntry{},
		byID:    map[int64]*WebhookEntry{},
	}
}

func (m *MemWebhookLog) Save(
	ctx context.Context,
	provider, eventID, eventType, externalID string,
	payload json.RawMessage,
	signatureValid bool,
) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := provider + "|" + eventID
	if e, ok := m.entries[key]; ok {
		if e.Processed || e.Claimed {
			return e.ID, true, nil
		}
		e.Claimed = true
		return e.ID, false, nil
	}
	m.nextID++
	e := &WebhookEntry{
		ID:         m.nextID,
		Provider:   provider,
		EventID:    eventID,
		EventType:  eventType,
		ExternalID: externalID,
		Payload:    payload,
		Claimed:    true,
	}
	m.entries[key] = e
	m.byID[e.ID] = e
	return e.ID, false, nil
}

func (m *MemWebhookLog) MarkProcessed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		e.Processed = true
		e.Error = ""
	}
	return nil
}

func (m *MemWebhookLog) MarkFailed(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		e.Error = reason
		e.Claimed = false
	}
	return nil
}

// Entry returns a copy of the stored event, if any.
func (m *MemWebhookLog) Entry(provider, eventID string) (WebhookEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[provider+"|"+eventID]
	if !ok {
		return WebhookEntry{}, false
	}
	return *e, true
}

func (m *MemWebhookLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
