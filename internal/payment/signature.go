package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Signer produces and checks provider checksums: HMAC-SHA256 over the sorted
// "key=value&..." rendering of a flat object.
type Signer struct {
	key []byte
}

func NewSigner(checksumKey string) Signer {
	return Signer{key: []byte(checksumKey)}
}

func (s Signer) Sign(canonical string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s Signer) Verify(canonical string, signature string) bool {
	expected, err := hex.DecodeString(s.Sign(canonical))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// SignData signs a webhook data object.
func (s Signer) SignData(raw json.RawMessage) (string, error) {
	canonical, err := DataCanonical(raw)
	if err != nil {
		return "", err
	}
	return s.Sign(canonical), nil
}

// linkCanonical is the fixed field set signed on payment link creation.
func linkCanonical(amount int64, cancelURL string, description string, orderCode int64, returnURL string) string {
	return fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		amount, cancelURL, description, orderCode, returnURL)
}

// DataCanonical renders a JSON object the way the provider signs webhook
// data: keys sorted, null as empty, nested values as compact JSON.
func DataCanonical(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("data is not an object")
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := canonicalValue(data[k])
		if err != nil {
			return "", fmt.Errorf("field %s: %w", k, err)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&"), nil
}

func canonicalValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		if val == "null" || val == "undefined" {
			return "", nil
		}
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		// encoding/json sorts map keys, matching the provider's nested form
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}
