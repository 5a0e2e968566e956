package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

type Verifier interface {
	Verify(ctx context.Context, req IngestRequest, secret string) error
}

// HeaderHMACVerifier checks an HMAC-SHA256 of the raw body carried in a
// request header.
type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Encoding string // hex | base64
}

func DefaultVerifier(header string) HeaderHMACVerifier {
	if strings.TrimSpace(header) == "" {
		header = "X-Webhook-Signature"
	}
	return HeaderHMACVerifier{Header: header, Prefix: "sha256=", Encoding: "hex"}
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req IngestRequest, secret string) error {
	header := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if header == "" {
		return fmt.Errorf("webhooks: %s signature header is required", strings.TrimSpace(v.Header))
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := header
	if prefix := strings.TrimSpace(v.Prefix); prefix != "" && len(signature) >= len(prefix) &&
		strings.EqualFold(signature[:len(prefix)], prefix) {
		signature = signature[len(prefix):]
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("webhooks: signature value is required")
	}

	expected := Sign(secret, req.Body)

	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
		if err != nil {
			return fmt.Errorf("webhooks: decode base64 signature: %w", err)
		}
	default:
		decoded, err = hex.DecodeString(strings.ToLower(signature))
		if err != nil {
			return fmt.Errorf("webhooks: decode hex signature: %w", err)
		}
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// SignHex renders the signature the way senders put it on the wire.
func SignHex(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	if value, ok := headers[key]; ok {
		return strings.TrimSpace(value)
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
