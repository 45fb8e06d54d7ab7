package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

// DefaultTolerance is the receiver-side staleness window for the
// X-Webhook-Timestamp header.
const DefaultTolerance = 300 * time.Second

// Headers attached to every delivery.
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Sign computes the hex HMAC-SHA256 signature of body at ts. The signed
// input is "<unix-ts>.<body>", binding the timestamp to the payload.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received webhook against its signature and
// timestamp headers. tolerance bounds how old (or future-dated) the
// timestamp may be; zero means DefaultTolerance. The comparison is
// constant time.
func VerifySignature(secret string, body []byte, signature, timestamp string, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return x402.NewProtocolError(x402.KindMalformedInput, "invalid webhook timestamp", nil)
	}

	age := time.Since(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return x402.NewProtocolError(x402.KindExpired, "webhook timestamp outside tolerance", map[string]interface{}{
			"timestamp": ts,
		})
	}

	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return x402.NewProtocolError(x402.KindInvalidSignature, "webhook signature mismatch", nil)
	}
	return nil
}
