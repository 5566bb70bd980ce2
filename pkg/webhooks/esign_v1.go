package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	esignSignatureHeader = "X-Esign-Signature"
	esignTimestampHeader = "X-Esign-Timestamp"
	esignEventIDHeader   = "X-Esign-Event-Id"
	esignEventTypeHeader = "X-Esign-Event"
	esignScheme          = "esign-hmac-sha256/v1"

	defaultToleranceSeconds = 300
)

// esignV1Verifier checks the provider's timestamped HMAC: the hex
// signature covers "<unix-timestamp>.<raw-body>", and the timestamp
// must fall inside the replay tolerance window.
type esignV1Verifier struct {
	toleranceSeconds int
}

func NewEsignV1Verifier() Verifier {
	return &esignV1Verifier{toleranceSeconds: defaultToleranceSeconds}
}

func NewEsignV1VerifierWithTolerance(toleranceSeconds int) Verifier {
	return &esignV1Verifier{toleranceSeconds: toleranceSeconds}
}

func (v *esignV1Verifier) Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	sigHex := strings.TrimSpace(headers.Get(esignSignatureHeader))
	timestamp := strings.TrimSpace(headers.Get(esignTimestampHeader))
	timestampUnix, parseErr := strconv.ParseInt(timestamp, 10, 64)
	if parseErr != nil {
		timestampUnix = 0
	}
	skew := int64(0)
	if timestampUnix > 0 {
		skew = receivedAt.UTC().Unix() - timestampUnix
		if skew < 0 {
			skew = -skew
		}
	}

	result := VerificationResult{
		Valid:  false,
		Scheme: esignScheme,
		Details: map[string]any{
			"signature_header_present": sigHex != "",
			"parsed_timestamp":         timestampUnix,
			"tolerance_seconds":        v.toleranceSeconds,
			"skew_seconds":             skew,
		},
		ProviderEventID: strings.TrimSpace(headers.Get(esignEventIDHeader)),
		EventType:       strings.TrimSpace(headers.Get(esignEventTypeHeader)),
	}
	if result.EventType == "" {
		result.EventType = "unknown"
	}
	if sigHex == "" || timestampUnix <= 0 {
		return result, nil
	}
	if skew > int64(v.toleranceSeconds) {
		result.Details["rejected"] = "timestamp outside tolerance"
		return result, nil
	}

	providedSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return result, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	signedPayload := append([]byte(timestamp), '.')
	signedPayload = append(signedPayload, rawBody...)
	_, _ = mac.Write(signedPayload)
	result.Valid = hmac.Equal(mac.Sum(nil), providedSig)
	return result, nil
}
