package store

import (
	"context"
	"sync"
	"time"

	"esign/pkg/domain"
)

// MemoryStore is the in-memory DocumentStore used by tests and dev
// mode. Documents are deep-copied on the way in and out so callers
// never share mutable state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*domain.Document
}

func NewMemory() *MemoryStore {
	return &MemoryStore{docs: map[string]*domain.Document{}}
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.docs[id]; ok {
		return clone(d), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindByAgreementID(_ context.Context, agreementID string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.docs {
		if d.AgreementID == agreementID {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Save(_ context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = NewDocumentID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	s.docs[doc.ID] = clone(doc)
	return nil
}

func clone(d *domain.Document) *domain.Document {
	out := *d
	out.Recipients = make([]domain.Recipient, len(d.Recipients))
	copy(out.Recipients, d.Recipients)
	out.LastReminderSent = cloneTime(d.LastReminderSent)
	for i := range out.Recipients {
		out.Recipients[i].SignedAt = cloneTime(out.Recipients[i].SignedAt)
		out.Recipients[i].LastReminderSent = cloneTime(out.Recipients[i].LastReminderSent)
		out.Recipients[i].LastSigningURLAccessed = cloneTime(out.Recipients[i].LastSigningURLAccessed)
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
