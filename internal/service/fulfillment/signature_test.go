package fulfillment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

var (
	testSecret = []byte("whsec_test_secret")
	testNow    = time.Unix(1700000000, 0).UTC()
)

const testTolerance = 5 * time.Minute

// signBody produces the hex MAC the provider would send for ts and body.
func signBody(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signedHeader(ts int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, signBody(testSecret, ts, body))
}

func TestVerifySignatureValid(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.completed"}`)
	header := signedHeader(testNow.Unix(), body)

	if err := VerifySignature(testSecret, header, body, testTolerance, testNow); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignatureSkewWithinTolerance(t *testing.T) {
	body := []byte(`{}`)
	for _, skew := range []time.Duration{-4 * time.Minute, 4 * time.Minute} {
		ts := testNow.Add(skew).Unix()
		header := signedHeader(ts, body)
		if err := VerifySignature(testSecret, header, body, testTolerance, testNow); err != nil {
			t.Fatalf("skew %v: %v", skew, err)
		}
	}
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	body := []byte(`{"credits":"50"}`)
	header := signedHeader(testNow.Unix(), body)

	err := VerifySignature(testSecret, header, []byte(`{"credits":"5000"}`), testTolerance, testNow)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v; want ErrSignatureInvalid", err)
	}
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	header := signedHeader(testNow.Unix(), body)

	err := VerifySignature([]byte("whsec_other"), header, body, testTolerance, testNow)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v; want ErrSignatureInvalid", err)
	}
}

func TestVerifySignatureStaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	for _, skew := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		ts := testNow.Add(skew).Unix()
		// MAC is correct for ts; only the window fails it.
		header := signedHeader(ts, body)
		err := VerifySignature(testSecret, header, body, testTolerance, testNow)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("skew %v: err = %v; want ErrSignatureInvalid", skew, err)
		}
	}
}

func TestVerifySignatureMalformedHeader(t *testing.T) {
	body := []byte(`{}`)
	sig := signBody(testSecret, testNow.Unix(), body)

	cases := []string{
		"",
		"v1=" + sig,
		fmt.Sprintf("t=%d", testNow.Unix()),
		fmt.Sprintf("t=notanumber,v1=%s", sig),
		fmt.Sprintf("t=%d,v1=zz-not-hex", testNow.Unix()),
		"garbage",
	}
	for _, header := range cases {
		err := VerifySignature(testSecret, header, body, testTolerance, testNow)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("header %q: err = %v; want ErrSignatureInvalid", header, err)
		}
	}
}

func TestVerifySignatureEmptySecret(t *testing.T) {
	body := []byte(`{}`)
	header := signedHeader(testNow.Unix(), body)

	err := VerifySignature(nil, header, body, testTolerance, testNow)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v; want ErrSignatureInvalid", err)
	}
}

func TestVerifySignatureRotationAnyV1Matches(t *testing.T) {
	body := []byte(`{}`)
	ts := testNow.Unix()
	oldSig := signBody([]byte("whsec_retired"), ts, body)
	newSig := signBody(testSecret, ts, body)
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", ts, oldSig, newSig)

	if err := VerifySignature(testSecret, header, body, testTolerance, testNow); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignatureIgnoresUnknownSchemes(t *testing.T) {
	body := []byte(`{}`)
	ts := testNow.Unix()
	header := fmt.Sprintf("t=%d,v0=deadbeef,v1=%s", ts, signBody(testSecret, ts, body))

	if err := VerifySignature(testSecret, header, body, testTolerance, testNow); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}
