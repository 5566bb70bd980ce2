// Package provider is the HTTP client for the remote e-signature
// service. It owns token acquisition, per-call timeouts, outbound
// pacing, and the conversion of raw provider payloads into the
// canonical snapshot shape. Nothing outside this package parses
// provider JSON.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"esign/services/signing/internal/normalize"
)

const (
	statusTimeout = 30 * time.Second
	createTimeout = 2 * time.Minute
	tokenTimeout  = 15 * time.Second
)

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// limiter paces outbound calls so a reminder burst cannot trip the
	// provider's quota on its own. The cooldown-window guard above
	// this client handles actual 429 responses.
	limiter *rate.Limiter

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{},
		Logger:     slog.Default(),
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
	}
}

// AccessToken returns a cached bearer token, refreshing it from the
// integration key when absent or within a minute of expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"integration_key": c.APIKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.do("token", req, &out); err != nil {
		return "", err
	}
	c.token = out.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return c.token, nil
}

// FetchAgreementStatus fetches the agreement and returns the canonical
// snapshot. Raw shape variants are resolved here, at the boundary.
func (c *Client) FetchAgreementStatus(ctx context.Context, agreementID string) (*normalize.AgreementSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	var raw rawAgreement
	u := fmt.Sprintf("%s/api/rest/v6/agreements/%s", c.BaseURL, url.PathEscape(agreementID))
	if err := c.getJSON(ctx, "fetch_status", u, &raw); err != nil {
		return nil, err
	}
	if raw.ID == "" {
		raw.ID = agreementID
	}
	return raw.toSnapshot(), nil
}

// SendReminder asks the provider to nag the given members. memberIDs
// must be member identifiers; participant-set IDs are rejected by the
// provider and must never be passed here.
func (c *Client) SendReminder(ctx context.Context, agreementID string, memberIDs []string, message string) error {
	if len(memberIDs) == 0 {
		return &APIError{Op: "send_reminder", StatusCode: 400, Code: "NO_TARGETS", Message: "no member ids to remind"}
	}
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]any{
		"recipientParticipantIds": memberIDs,
		"status":                  "ACTIVE",
		"note":                    message,
	})
	u := fmt.Sprintf("%s/api/rest/v6/agreements/%s/reminders", c.BaseURL, url.PathEscape(agreementID))
	req, err := c.newRequest(ctx, http.MethodPost, u, payload)
	if err != nil {
		return err
	}
	return c.do("send_reminder", req, nil)
}

// SearchAgreements finds agreements whose name matches exactly,
// optionally restricted to ones involving recipientEmail. Used only by
// recovery; it never creates anything.
func (c *Client) SearchAgreements(ctx context.Context, name, recipientEmail string) ([]AgreementSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("query", name)
	if recipientEmail != "" {
		q.Set("participantEmail", recipientEmail)
	}
	var out struct {
		Agreements []struct {
			ID           string   `json:"id"`
			Name         string   `json:"name"`
			Status       string   `json:"status"`
			DisplayDate  string   `json:"displayDate"`
			Participants []string `json:"participantEmails"`
		} `json:"userAgreementList"`
	}
	u := fmt.Sprintf("%s/api/rest/v6/agreements?%s", c.BaseURL, q.Encode())
	if err := c.getJSON(ctx, "search_agreements", u, &out); err != nil {
		return nil, err
	}
	var results []AgreementSummary
	for _, a := range out.Agreements {
		if !strings.EqualFold(strings.TrimSpace(a.Name), strings.TrimSpace(name)) {
			continue
		}
		results = append(results, AgreementSummary{
			ID:              a.ID,
			Name:            a.Name,
			Status:          a.Status,
			CreatedAt:       parseProviderTime(a.DisplayDate),
			RecipientEmails: a.Participants,
		})
	}
	return results, nil
}

// UploadDocument stages file bytes with the provider and returns the
// transient document id used by CreateAgreement.
func (c *Client) UploadDocument(ctx context.Context, filename string, content []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/api/rest/v6/transientDocuments?fileName=%s", c.BaseURL, url.QueryEscape(filename))
	req, err := c.newRequest(ctx, http.MethodPost, u, content)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/pdf")
	var out struct {
		TransientDocumentID string `json:"transientDocumentId"`
	}
	if err := c.do("upload_document", req, &out); err != nil {
		return "", err
	}
	return out.TransientDocumentID, nil
}

// CreateAgreementRequest is the send-path payload. Recovery never
// calls CreateAgreement: a duplicate create double-sends a legal
// document.
type CreateAgreementRequest struct {
	Name                string
	TransientDocumentID string
	SignatureFlow       string
	Participants        []CreateParticipant
	Message             string
}

type CreateParticipant struct {
	Email string
	Name  string
	Order int
	Role  string
}

func (c *Client) CreateAgreement(ctx context.Context, in CreateAgreementRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	type memberInfo struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	}
	type setInfo struct {
		Order       int          `json:"order"`
		Role        string       `json:"role"`
		MemberInfos []memberInfo `json:"memberInfos"`
	}
	sets := make([]setInfo, 0, len(in.Participants))
	for _, p := range in.Participants {
		role := p.Role
		if role == "" {
			role = "SIGNER"
		}
		sets = append(sets, setInfo{
			Order:       p.Order,
			Role:        role,
			MemberInfos: []memberInfo{{Email: p.Email, Name: p.Name}},
		})
	}
	payload, _ := json.Marshal(map[string]any{
		"name": in.Name,
		"fileInfos": []map[string]string{
			{"transientDocumentId": in.TransientDocumentID},
		},
		"participantSetsInfo": sets,
		"signatureType":       "ESIGN",
		"state":               "IN_PROCESS",
		"message":             in.Message,
	})
	u := c.BaseURL + "/api/rest/v6/agreements"
	req, err := c.newRequest(ctx, http.MethodPost, u, payload)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do("create_agreement", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body []byte) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, err
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, op, u string, dst any) error {
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(op, req, dst)
}

func (c *Client) do(op string, req *http.Request, dst any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return classifyTransport(op, err)
	}
	if op != "token" {
		tok, err := c.AccessToken(req.Context())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 60 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{Op: op, RetryAfter: retryAfter}
	}
	if resp.StatusCode >= 300 {
		var errBody struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Code == "" {
			errBody.Code = http.StatusText(resp.StatusCode)
		}
		return &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       errBody.Code,
			Message:    errBody.Message,
			RequestID:  resp.Header.Get("X-Request-Id"),
		}
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		// The call succeeded remotely but the response died mid-read.
		return classifyTransport(op, err)
	}
	return nil
}
