// Package payments implements payment-gateway integration: hosted checkout
// session creation, signed webhook ingestion with an idempotency ledger,
// and the dispatch of payment events into order fulfillment.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/socialboost/fulfillment/domain"
)

// signatureTolerance bounds how far a webhook timestamp may drift from the
// current time before the signature is rejected as a replay.
const signatureTolerance = 5 * time.Minute

// VerifySignature checks a gateway webhook signature header of the form
// "t=<unix>,v1=<hex hmac>". The HMAC-SHA256 is computed over
// "<unix>.<payload>" with the shared secret. Returns KindAuth on any
// mismatch, malformed header or stale timestamp.
func VerifySignature(secret string, payload []byte, header string, now time.Time) error {
	var (
		ts   string
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return domain.Authf("malformed signature header")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.Authf("invalid signature timestamp")
	}
	at := time.Unix(unix, 0)
	if now.Sub(at) > signatureTolerance || at.Sub(now) > signatureTolerance {
		return domain.Authf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return domain.Authf("signature mismatch")
}

// SignPayload produces the signature header counterpart of VerifySignature.
// Tests and the local gateway double use it to emit valid webhooks.
func SignPayload(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
