package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "key_test")
	// Pre-seed the token so tests exercise the call under test, not
	// the oauth round trip.
	c.token = "tok_test"
	c.tokenExpiry = time.Now().Add(time.Hour)
	return c
}

func TestFetchAgreementStatus_CanonicalShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok_test", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"id": "agr_1",
			"name": "NDA.pdf",
			"status": "OUT_FOR_SIGNATURE",
			"createdDate": "2025-06-01T10:00:00Z",
			"participantSetsInfo": [
				{"id":"set_1","order":1,"role":"SIGNER","status":"WAITING_FOR_MY_SIGNATURE",
				 "memberInfos":[{"id":"mem_1","email":"a@example.com","status":"WAITING_FOR_MY_SIGNATURE","statusDate":"2025-06-01T11:00:00Z"}]}
			],
			"events":[{"type":"ACTION_REQUESTED","participantEmail":"a@example.com","date":"2025-06-01T10:30:00Z"}]
		}`))
	})
	snap, err := c.FetchAgreementStatus(context.Background(), "agr_1")
	require.NoError(t, err)
	assert.Equal(t, "agr_1", snap.AgreementID)
	assert.Equal(t, "OUT_FOR_SIGNATURE", snap.Status)
	require.Len(t, snap.ParticipantSets, 1)
	set := snap.ParticipantSets[0]
	assert.Equal(t, 1, set.Order)
	require.Len(t, set.Members, 1)
	assert.Equal(t, "mem_1", set.Members[0].ID)
	assert.Equal(t, "a@example.com", set.Members[0].Email)
	require.NotNil(t, set.Members[0].StatusUpdatedAt)
	require.Len(t, snap.Events, 1)
}

func TestFetchAgreementStatus_NestedMembersShape(t *testing.T) {
	// Older API responses nest the sets under "members".
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "agr_2",
			"status": "SIGNED",
			"members": {"participantSets":[{"order":1,"memberInfos":[{"email":"b@example.com","status":"SIGNED"}]}]}
		}`))
	})
	snap, err := c.FetchAgreementStatus(context.Background(), "agr_2")
	require.NoError(t, err)
	assert.True(t, snap.HasParticipants())
}

func TestDo_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.FetchAgreementStatus(context.Background(), "agr_1")
	retryAfter, ok := IsRateLimited(err)
	require.True(t, ok, "want RateLimitError, got %v", err)
	assert.Equal(t, 2*time.Minute, retryAfter)
}

func TestDo_CleanRejection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"code":"INVALID_AGREEMENT_ID","message":"no such agreement"}`))
	})
	_, err := c.FetchAgreementStatus(context.Background(), "agr_x")
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 404, ae.StatusCode)
	assert.Equal(t, "INVALID_AGREEMENT_ID", ae.Code)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsAmbiguous(err))
}

func TestSearchAgreements_ExactNameFilter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "NDA.pdf", r.URL.Query().Get("query"))
		w.Write([]byte(`{"userAgreementList":[
			{"id":"agr_1","name":"NDA.pdf","status":"OUT_FOR_SIGNATURE","displayDate":"2025-06-01T10:00:00Z"},
			{"id":"agr_2","name":"NDA.pdf draft","status":"OUT_FOR_SIGNATURE"}
		]}`))
	})
	hits, err := c.SearchAgreements(context.Background(), "NDA.pdf", "")
	require.NoError(t, err)
	require.Len(t, hits, 1, "partial name matches must be dropped")
	assert.Equal(t, "agr_1", hits[0].ID)
}

func TestSendReminder_RequiresTargets(t *testing.T) {
	c := New("http://unused", "key")
	err := c.SendReminder(context.Background(), "agr_1", nil, "please sign")
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "NO_TARGETS", ae.Code)
}

func TestClassifyTransport(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		ambiguous bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"broken pipe", syscall.EPIPE, true},
		{"conn refused", syscall.ECONNREFUSED, false},
		{"unknown", errors.New("weird"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyTransport("op", tc.err)
			assert.Equal(t, tc.ambiguous, IsAmbiguous(got))
		})
	}
	assert.NoError(t, classifyTransport("op", nil))
}

func TestParseProviderTime(t *testing.T) {
	assert.False(t, parseProviderTime("2025-06-01T10:00:00Z").IsZero())
	assert.False(t, parseProviderTime("2025-06-01T10:00:00.123Z").IsZero())
	assert.True(t, parseProviderTime("").IsZero())
	assert.True(t, parseProviderTime("garbage").IsZero())
	assert.Nil(t, parseProviderTimePtr(""))
}
