package reconcile

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
	"esign/services/signing/internal/ratelimit"
)

var errFakeNotFound = errors.New("not found")

type fakeStore struct {
	docs      map[string]*domain.Document
	saveCalls int
}

func newFakeStore(docs ...*domain.Document) *fakeStore {
	s := &fakeStore{docs: map[string]*domain.Document{}}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s
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

type fakeFetcher struct {
	snap  *normalize.AgreementSnapshot
	err   error
	calls int
}

func (f *fakeFetcher) FetchAgreementStatus(context.Context, string) (*normalize.AgreementSnapshot, error) {
	f.calls++
	return f.snap, f.err
}

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func newTestReconciler(store DocumentStore, fetcher StatusFetcher) *Reconciler {
	r := New(store, fetcher, nil, nil)
	r.Now = func() time.Time { return testNow }
	return r
}

func twoSignerDoc() *domain.Document {
	return &domain.Document{
		ID:          "doc_1",
		AgreementID: "agr_1",
		Title:       "NDA.pdf",
		Status:      domain.DocOutForSignature,
		SigningFlow: domain.FlowSequential,
		Recipients: []domain.Recipient{
			{Email: "first@example.com", Order: 1, Role: domain.RoleSigner, Status: domain.RecipientSent},
			{Email: "second@example.com", Order: 2, Role: domain.RoleSigner, Status: domain.RecipientWaiting},
		},
	}
}

func snapshotFor(agreementStatus string, sets ...normalize.ParticipantSet) *normalize.AgreementSnapshot {
	return &normalize.AgreementSnapshot{AgreementID: "agr_1", Status: agreementStatus, ParticipantSets: sets}
}

func TestApply_Idempotent(t *testing.T) {
	doc := twoSignerDoc()
	signedAt := testNow.Add(-time.Hour)
	snap := snapshotFor("OUT_FOR_SIGNATURE",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{ID: "mem_1", Email: "First@Example.com", Status: "SIGNED", CompletedAt: &signedAt},
		}},
		normalize.ParticipantSet{Order: 2, Members: []normalize.Member{
			{ID: "mem_2", Email: "second@example.com", Status: "WAITING_FOR_MY_SIGNATURE"},
		}},
	)
	r := newTestReconciler(newFakeStore(doc), nil)

	first := r.Apply(doc, snap)
	require.NotEmpty(t, first)
	assert.Equal(t, domain.RecipientSigned, doc.Recipients[0].Status, "case-insensitive email match")
	require.NotNil(t, doc.Recipients[0].SignedAt)
	assert.Equal(t, signedAt, *doc.Recipients[0].SignedAt)
	assert.Equal(t, domain.RecipientSent, doc.Recipients[1].Status)
	assert.Equal(t, domain.DocPartiallySigned, doc.Status)

	second := r.Apply(doc, snap)
	assert.Empty(t, second, "re-applying an unchanged snapshot must write nothing")
}

func TestApply_SignedAtTakesMaximumAndNeverRegresses(t *testing.T) {
	doc := twoSignerDoc()
	early := testNow.Add(-3 * time.Hour)
	late := testNow.Add(-1 * time.Hour)
	snap := snapshotFor("OUT_FOR_SIGNATURE",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{Email: "first@example.com", Status: "SIGNED", StatusUpdatedAt: &early},
		}},
	)
	snap.Events = []normalize.SignEvent{
		{Type: "ESIGNED", ParticipantEmail: "first@example.com", OccurredAt: late},
	}
	r := newTestReconciler(newFakeStore(doc), nil)
	r.Apply(doc, snap)
	require.NotNil(t, doc.Recipients[0].SignedAt)
	assert.Equal(t, late, *doc.Recipients[0].SignedAt, "maximum of plausible candidates wins")

	// A later snapshot carrying only the earlier evidence must not
	// pull the timestamp back.
	snap.Events = nil
	r.Apply(doc, snap)
	assert.Equal(t, late, *doc.Recipients[0].SignedAt)
}

func TestApply_SignedWithoutEvidenceBackfillsNow(t *testing.T) {
	doc := twoSignerDoc()
	snap := snapshotFor("OUT_FOR_SIGNATURE",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{Email: "first@example.com", Status: "SIGNED"},
		}},
	)
	r := newTestReconciler(newFakeStore(doc), nil)
	r.Apply(doc, snap)
	require.NotNil(t, doc.Recipients[0].SignedAt)
	assert.Equal(t, testNow, *doc.Recipients[0].SignedAt)
}

func TestApply_CompletedOverridePolicy(t *testing.T) {
	snap := snapshotFor("SIGNED",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{Email: "first@example.com", Status: "SIGNED"},
		}},
		// Second signer has stale per-participant data.
		normalize.ParticipantSet{Order: 2, Members: []normalize.Member{
			{Email: "second@example.com", Status: "WAITING_FOR_MY_SIGNATURE"},
		}},
	)

	t.Run("on by default", func(t *testing.T) {
		doc := twoSignerDoc()
		r := newTestReconciler(newFakeStore(doc), nil)
		r.Apply(doc, snap)
		assert.Equal(t, domain.RecipientSigned, doc.Recipients[1].Status)
		require.NotNil(t, doc.Recipients[1].SignedAt)
		assert.Equal(t, domain.DocCompleted, doc.Status)
	})

	t.Run("off keeps participant truth", func(t *testing.T) {
		doc := twoSignerDoc()
		r := newTestReconciler(newFakeStore(doc), nil)
		r.OverrideCompleted = false
		r.Apply(doc, snap)
		assert.Equal(t, domain.RecipientSent, doc.Recipients[1].Status)
		assert.Equal(t, domain.DocPartiallySigned, doc.Status)
	})
}

func TestApply_DeclinePrecedence(t *testing.T) {
	doc := twoSignerDoc()
	snap := snapshotFor("OUT_FOR_SIGNATURE",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{Email: "first@example.com", Status: "SIGNED"},
		}},
		normalize.ParticipantSet{Order: 2, Members: []normalize.Member{
			{Email: "second@example.com", Status: "DECLINED"},
		}},
	)
	r := newTestReconciler(newFakeStore(doc), nil)
	r.Apply(doc, snap)
	assert.Equal(t, domain.DocCancelled, doc.Status)
}

func TestApply_AgreementLevelCancel(t *testing.T) {
	doc := twoSignerDoc()
	snap := snapshotFor("CANCELLED",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{Email: "first@example.com", Status: "WAITING_FOR_MY_SIGNATURE"},
		}},
	)
	r := newTestReconciler(newFakeStore(doc), nil)
	r.Apply(doc, snap)
	assert.Equal(t, domain.DocCancelled, doc.Status)
}

func TestApply_MalformedSnapshotDegrades(t *testing.T) {
	doc := twoSignerDoc()
	r := newTestReconciler(newFakeStore(doc), nil)

	changes := r.Apply(doc, &normalize.AgreementSnapshot{Status: "OUT_FOR_SIGNATURE"})
	assert.Empty(t, changes, "participant-free snapshot changes nothing")
	assert.Equal(t, domain.RecipientSent, doc.Recipients[0].Status)
}

func TestApply_PositionalFallbackSequentialOnly(t *testing.T) {
	snap := snapshotFor("OUT_FOR_SIGNATURE",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{Status: "SIGNED"}, // no email
		}},
	)

	seq := twoSignerDoc()
	r := newTestReconciler(newFakeStore(seq), nil)
	r.Apply(seq, snap)
	assert.Equal(t, domain.RecipientSigned, seq.Recipients[0].Status, "sequential flow matches by order")

	par := twoSignerDoc()
	par.SigningFlow = domain.FlowParallel
	r.Apply(par, snap)
	assert.Equal(t, domain.RecipientSent, par.Recipients[0].Status, "parallel flow never matches positionally")
}

func TestApply_Delegation(t *testing.T) {
	doc := twoSignerDoc()
	snap := snapshotFor("OUT_FOR_SIGNATURE",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{ID: "mem_1", Email: "first@example.com", Status: "DELEGATED"},
			{ID: "mem_3", Email: "delegate@example.com", Name: "Del E. Gate", Status: "WAITING_FOR_MY_SIGNATURE"},
		}},
	)
	r := newTestReconciler(newFakeStore(doc), nil)
	r.Apply(doc, snap)

	orig := doc.RecipientByEmail("first@example.com")
	require.NotNil(t, orig)
	assert.Equal(t, domain.RecipientWaiting, orig.Status)

	del := doc.RecipientByEmail("delegate@example.com")
	require.NotNil(t, del)
	assert.Equal(t, 1, del.Order)
	assert.Equal(t, domain.RoleSigner, del.Role)

	// Second pass: delegate is now known, everything converges.
	changes := r.Apply(doc, snap)
	for _, ch := range changes {
		assert.NotEqual(t, "recipient:first@example.com", ch.Entity, "delegator must stay waiting: %+v", ch)
	}
	assert.Equal(t, domain.RecipientSent, doc.RecipientByEmail("delegate@example.com").Status)
}

func TestReconcile_PersistsOnlyOnChange(t *testing.T) {
	doc := twoSignerDoc()
	store := newFakeStore(doc)
	fetcher := &fakeFetcher{snap: snapshotFor("OUT_FOR_SIGNATURE",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{Email: "first@example.com", Status: "SIGNED"},
		}},
	)}
	r := newTestReconciler(store, fetcher)

	out, err := r.Reconcile(context.Background(), "doc_1")
	require.NoError(t, err)
	require.NotEmpty(t, out.Changes)
	assert.Equal(t, 1, store.saveCalls)

	out, err = r.Reconcile(context.Background(), "doc_1")
	require.NoError(t, err)
	assert.Empty(t, out.Changes)
	assert.Equal(t, 1, store.saveCalls, "no-change reconcile must not save")
}

func TestReconcile_GuardSuppressesFetch(t *testing.T) {
	doc := twoSignerDoc()
	fetcher := &fakeFetcher{snap: snapshotFor("OUT_FOR_SIGNATURE")}
	guard := ratelimit.NewGuard(nil)
	guard.Note(time.Minute)

	r := New(newFakeStore(doc), fetcher, guard, nil)
	out, err := r.Reconcile(context.Background(), "doc_1")
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Zero(t, fetcher.calls)
}

func TestReconcile_RecordsRateLimitSignal(t *testing.T) {
	doc := twoSignerDoc()
	fetcher := &fakeFetcher{err: &provider.RateLimitError{Op: "fetch_status", RetryAfter: time.Minute}}
	guard := ratelimit.NewGuard(nil)

	r := New(newFakeStore(doc), fetcher, guard, nil)
	out, err := r.Reconcile(context.Background(), "doc_1")
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.True(t, guard.Limited())
}

func TestReconcile_RequiresAgreementID(t *testing.T) {
	doc := twoSignerDoc()
	doc.AgreementID = ""
	r := newTestReconciler(newFakeStore(doc), &fakeFetcher{})
	_, err := r.Reconcile(context.Background(), "doc_1")
	assert.ErrorIs(t, err, ErrNoAgreement)
}

func TestVerify_Report(t *testing.T) {
	doc := twoSignerDoc()
	fetcher := &fakeFetcher{snap: snapshotFor("OUT_FOR_SIGNATURE",
		normalize.ParticipantSet{Order: 1, Members: []normalize.Member{
			{Email: "first@example.com", Status: "SIGNED"},
		}},
		normalize.ParticipantSet{Order: 2, Members: []normalize.Member{
			{Email: "stranger@example.com", Status: "WAITING_FOR_MY_SIGNATURE"},
		}},
	)}
	r := newTestReconciler(newFakeStore(doc), fetcher)

	rep, err := r.Verify(context.Background(), "doc_1")
	require.NoError(t, err)
	assert.Equal(t, "OUT_FOR_SIGNATURE", rep.RemoteStatus)
	require.Len(t, rep.Rows, 3)

	// local first@: local sent vs remote signed — mismatch.
	// local second@: no remote counterpart — mismatch.
	// remote stranger@: no local counterpart — mismatch.
	assert.Equal(t, 3, rep.MismatchCount)

	// Verify never mutates.
	assert.Equal(t, domain.RecipientSent, doc.Recipients[0].Status)
}
