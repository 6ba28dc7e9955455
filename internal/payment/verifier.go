// Package payment talks to the payment provider: it verifies inbound webhook
// events against the shared webhook secret and creates payment intents.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"storefront-backend/internal/cart"
)

// EventTypePaymentSucceeded is the only event type that yields a confirmation.
// Every other type is acknowledged and dropped so the provider stops retrying.
const EventTypePaymentSucceeded = "payment_intent.succeeded"

// SignatureHeader is the HTTP header carrying the provider's event signature.
const SignatureHeader = "Payment-Signature"

// ErrAuthenticity is returned when an event's signature does not verify
// against the shared secret. Security-relevant: the event must not be
// processed and the failure is logged as such.
var ErrAuthenticity = errors.New("payment: event signature verification failed")

// ErrMalformedEvent is returned for payloads that verified but cannot be
// parsed. A definite client error: the caller rejects rather than retrying.
var ErrMalformedEvent = errors.New("payment: malformed event payload")

// Confirmation is the normalized result of a verified payment-succeeded
// event, or of a client trigger after the provider SDK reported success
// in the browser. Immutable once built.
type Confirmation struct {
	ProviderTransactionID string
	AmountMinorUnits      int64
	Currency              string
	PayerIdentity         string
	CartSnapshot          cart.Snapshot
	ReceivedAt            time.Time
}

// event mirrors the provider's webhook envelope.
type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string `json:"id"`
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			Metadata struct {
				Cart      string `json:"cart"`
				UserEmail string `json:"userEmail"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Verifier checks webhook authenticity and parses confirmed-payment events.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a Verifier for the given shared webhook secret.
// tolerance bounds how far a signed timestamp may drift from the server
// clock before the event is rejected; zero means a 5 minute default.
func NewVerifier(secret []byte, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Verify checks the signature header against the exact raw request bytes and
// parses the payload. The raw bytes are signed, never a re-serialized form,
// because re-serialization is not byte-stable.
//
// A nil Confirmation with a nil error means the event verified but is not a
// payment-succeeded event; the caller acknowledges it and creates nothing.
func (v *Verifier) Verify(rawBody []byte, sigHeader string) (*Confirmation, error) {
	ts, sig, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticity, err)
	}

	now := v.now()
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return nil, fmt.Errorf("%w: signed timestamp outside tolerance", ErrAuthenticity)
	}

	expected := computeSignature(v.secret, ts, rawBody)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, ErrAuthenticity
	}

	var ev event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type != EventTypePaymentSucceeded {
		return nil, nil
	}

	obj := ev.Data.Object
	if obj.ID == "" {
		return nil, fmt.Errorf("%w: missing transaction id", ErrMalformedEvent)
	}
	if obj.Metadata.UserEmail == "" {
		return nil, fmt.Errorf("%w: missing payer identity", ErrMalformedEvent)
	}

	snapshot, err := cart.ParseMetadata(obj.Metadata.Cart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return &Confirmation{
		ProviderTransactionID: obj.ID,
		AmountMinorUnits:      obj.Amount,
		Currency:              obj.Currency,
		PayerIdentity:         obj.Metadata.UserEmail,
		CartSnapshot:          snapshot,
		ReceivedAt:            now.UTC(),
	}, nil
}

// Sign produces a signature header value for the given payload, as the
// provider would. Used by the development provider simulator and by tests.
func Sign(secret []byte, at time.Time, payload []byte) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(secret, ts, payload))
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>" into its parts.
func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("bad timestamp %q", v)
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", errors.New("signature header missing t or v1")
	}
	return ts, sig, nil
}

// computeSignature is HMAC-SHA256 over "<ts>.<body>", hex encoded.
func computeSignature(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
