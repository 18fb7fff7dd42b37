// Package signature signs and verifies webhook payloads with the "t=<unix>,v1=<hex>" scheme.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingHeader = errors.New("signature_header_missing")
	ErrMalformed     = errors.New("signature_malformed")
	ErrMismatch      = errors.New("signature_mismatch")
	ErrExpired       = errors.New("signature_expired")
)

// Sign returns the header value for payload signed at ts.
func Sign(secret string, payload []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", unix, compute(secret, unix, payload))
}

// Verify checks header against payload. A zero tolerance disables the timestamp check.
func Verify(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingHeader
	}
	unix, signatures, err := parse(header)
	if err != nil {
		return err
	}
	if tolerance > 0 {
		seconds, err := strconv.ParseInt(unix, 10, 64)
		if err != nil {
			return ErrMalformed
		}
		age := now.Sub(time.Unix(seconds, 0))
		if age > tolerance || age < -tolerance {
			return ErrExpired
		}
	}

	expected := compute(secret, unix, payload)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrMismatch
}

func compute(secret, unix string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(unix))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parse(header string) (string, []string, error) {
	var unix string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			unix = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if unix == "" || len(signatures) == 0 {
		return "", nil, ErrMalformed
	}
	return unix, signatures, nil
}
