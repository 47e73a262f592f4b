package fulfillment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VerifySignature checks the payment provider's notification signature before
// anything else touches the payload. The provider signs "<t>.<raw body>" with
// HMAC-SHA256 and sends `t=<unix>,v1=<hex>` in the signature header; several
// v1 values may appear during secret rotation and any one match passes.
// Timestamps outside the tolerance window are rejected even when the MAC is
// right, which caps how long a captured header stays replayable.
func VerifySignature(secret []byte, header string, body []byte, tolerance time.Duration, now time.Time) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: no signing secret", ErrSignatureInvalid)
	}
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	var (
		ts    int64
		tsSet bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			v, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp %q", ErrSignatureInvalid, kv[1])
			}
			ts, tsSet = v, true
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if !tsSet || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", ErrSignatureInvalid)
	}

	if age := now.Sub(time.Unix(ts, 0)); age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	want := mac.Sum(nil)

	for _, sig := range sigs {
		if hmac.Equal(sig, want) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", ErrSignatureInvalid)
}
