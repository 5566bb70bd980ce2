package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esign/pkg/domain"
	"esign/services/signing/internal/normalize"
	"esign/services/signing/internal/provider"
)

var errFakeNotFound = errors.New("not found")

type fakeStore struct {
	docs      map[string]*domain.Document
	saveCalls int
}

func (s *fakeStore) FindByID(_ context.Context, id string) (*domain.Document, error) {
	if d, ok := s.docs[id]; ok {
		return d, nil
	}
	return nil, errFakeNotFound
}

func (s *fakeStore) FindByAgreementID(_ context.Context, agreementID string) (*domain.Document, error) {
	for _, d := range s.docs {
		if d.AgreementID == agreementID {
			return d, nil
		}
	}
	return nil, errFakeNotFound
}

func (s *fakeStore) Save(_ context.Context, doc *domain.Document) error {
	s.saveCalls++
	s.docs[doc.ID] = doc
	return nil
}

// fakeAPI records every call so tests can prove recovery never
// attempts a create (the interface has none, and nothing else slips
// through either).
type fakeAPI struct {
	fetchErr    error
	fetchCalls  int
	searchHits  []provider.AgreementSummary
	searchErr   error
	searchCalls int
	lastQuery   string
	lastEmail   string
}

func (f *fakeAPI) FetchAgreementStatus(_ context.Context, agreementID string) (*normalize.AgreementSnapshot, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &normalize.AgreementSnapshot{AgreementID: agreementID, Status: "OUT_FOR_SIGNATURE"}, nil
}

func (f *fakeAPI) SearchAgreements(_ context.Context, name, recipientEmail string) ([]provider.AgreementSummary, error) {
	f.searchCalls++
	f.lastQuery = name
	f.lastEmail = recipientEmail
	return f.searchHits, f.searchErr
}

var recNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func unsentDoc() *domain.Document {
	return &domain.Document{
		ID:          "doc_1",
		Title:       "NDA.pdf",
		Status:      domain.DocReadyForSignature,
		SigningFlow: domain.FlowParallel,
		Recipients: []domain.Recipient{
			{Email: "a@example.com", Order: 1, Role: domain.RoleSigner, Status: domain.RecipientPending},
			{Email: "b@example.com", Order: 2, Role: domain.RoleSigner, Status: domain.RecipientPending},
		},
	}
}

func newTestVerifier(doc *domain.Document, api ProviderAPI) (*Verifier, *fakeStore) {
	store := &fakeStore{docs: map[string]*domain.Document{doc.ID: doc}}
	v := New(store, api, nil)
	v.Now = func() time.Time { return recNow }
	return v, store
}

func TestRecover_DirectLookupWins(t *testing.T) {
	doc := unsentDoc()
	doc.AgreementID = "agr_known"
	api := &fakeAPI{}
	v, store := newTestVerifier(doc, api)

	out, err := v.Recover(context.Background(), "doc_1", Options{})
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, "verification", out.Method)
	assert.True(t, doc.RecoveryApplied)
	assert.Equal(t, domain.DocSentForSignature, doc.Status)
	assert.Equal(t, domain.RecipientSent, doc.Recipients[0].Status)
	assert.Equal(t, 1, store.saveCalls)
	assert.Zero(t, api.searchCalls, "direct lookup success must stop the chain")
}

func TestRecover_FreshnessBound(t *testing.T) {
	t.Run("two hours old is rejected", func(t *testing.T) {
		doc := unsentDoc()
		api := &fakeAPI{searchHits: []provider.AgreementSummary{
			{ID: "agr_stale", Name: "NDA.pdf", CreatedAt: recNow.Add(-2 * time.Hour)},
		}}
		v, store := newTestVerifier(doc, api)

		out, err := v.Recover(context.Background(), "doc_1", Options{})
		require.NoError(t, err)
		assert.False(t, out.Recovered)
		assert.Empty(t, doc.AgreementID)
		assert.Zero(t, store.saveCalls)
	})

	t.Run("ten minutes old is adopted", func(t *testing.T) {
		doc := unsentDoc()
		api := &fakeAPI{searchHits: []provider.AgreementSummary{
			{ID: "agr_fresh", Name: "NDA.pdf", CreatedAt: recNow.Add(-10 * time.Minute)},
		}}
		v, _ := newTestVerifier(doc, api)

		out, err := v.Recover(context.Background(), "doc_1", Options{})
		require.NoError(t, err)
		assert.True(t, out.Recovered)
		assert.Equal(t, "recipient_search", out.Method)
		assert.Equal(t, "agr_fresh", doc.AgreementID)
	})
}

func TestRecover_NameSearchRestrictsByRecipient(t *testing.T) {
	doc := unsentDoc()
	api := &fakeAPI{searchHits: []provider.AgreementSummary{
		{ID: "agr_other", Name: "NDA.pdf", CreatedAt: recNow.Add(-5 * time.Minute),
			RecipientEmails: []string{"unrelated@example.com"}},
	}}
	v, _ := newTestVerifier(doc, api)

	out, err := v.Recover(context.Background(), "doc_1", Options{})
	require.NoError(t, err)
	assert.False(t, out.Recovered, "hit with foreign recipients is a collision, not ours")
	assert.Equal(t, "a@example.com", api.lastEmail, "search is restricted by the first signer")
}

func TestRecover_AggressiveOnlyWhenPermitted(t *testing.T) {
	t.Run("not permitted", func(t *testing.T) {
		doc := unsentDoc()
		v, _ := newTestVerifier(doc, &fakeAPI{})
		out, err := v.Recover(context.Background(), "doc_1", Options{})
		require.NoError(t, err)
		assert.False(t, out.Recovered)
		assert.Equal(t, domain.DocReadyForSignature, doc.Status)
	})

	t.Run("permitted", func(t *testing.T) {
		doc := unsentDoc()
		v, _ := newTestVerifier(doc, &fakeAPI{})
		out, err := v.Recover(context.Background(), "doc_1", Options{Aggressive: true})
		require.NoError(t, err)
		assert.True(t, out.Recovered)
		assert.Equal(t, "aggressive", out.Method)
		assert.Equal(t, domain.DocSentForSignature, doc.Status)
		assert.Equal(t, "aggressive", doc.RecoveryMethod)
		assert.Empty(t, doc.AgreementID, "aggressive recovery adopts no id")
	})
}

func TestRecover_ChainFallsThroughOnErrors(t *testing.T) {
	doc := unsentDoc()
	doc.AgreementID = "agr_known"
	api := &fakeAPI{
		fetchErr: &provider.AmbiguousError{Op: "fetch_status", Err: errors.New("reset")},
		searchHits: []provider.AgreementSummary{
			{ID: "agr_found", Name: "NDA.pdf", CreatedAt: recNow.Add(-5 * time.Minute)},
		},
	}
	v, _ := newTestVerifier(doc, api)

	out, err := v.Recover(context.Background(), "doc_1", Options{})
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, "recipient_search", out.Method)
	assert.Equal(t, "agr_found", doc.AgreementID)
}

func TestRecover_SkipsSettledDocuments(t *testing.T) {
	doc := unsentDoc()
	doc.Status = domain.DocSentForSignature
	doc.AgreementID = "agr_done"
	api := &fakeAPI{}
	v, store := newTestVerifier(doc, api)

	out, err := v.Recover(context.Background(), "doc_1", Options{})
	require.NoError(t, err)
	assert.False(t, out.Recovered)
	assert.Zero(t, api.fetchCalls)
	assert.Zero(t, store.saveCalls)

	// ForceCheck re-verifies anyway.
	out, err = v.Recover(context.Background(), "doc_1", Options{ForceCheck: true})
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, 1, api.fetchCalls)
}

func TestRecover_TerminalDocumentsUntouched(t *testing.T) {
	doc := unsentDoc()
	doc.Status = domain.DocCompleted
	v, store := newTestVerifier(doc, &fakeAPI{})

	out, err := v.Recover(context.Background(), "doc_1", Options{Aggressive: true})
	require.NoError(t, err)
	assert.False(t, out.Recovered)
	assert.Zero(t, store.saveCalls)
}
