package backpack

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer handles Backpack API authentication signatures
type Signer struct {
	apiKey string
	key    ed25519.PrivateKey
	window int64
	now    func() time.Time
}

// NewSigner creates a Signer from the base64 ED25519 seed shown by Backpack.
func NewSigner(apiKey, secretKey string, windowMS int) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("secret key must be a %d byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	if windowMS <= 0 {
		windowMS = 5000
	}
	return &Signer{
		apiKey: apiKey,
		key:    ed25519.NewKeyFromSeed(seed),
		window: int64(windowMS),
		now:    time.Now,
	}, nil
}

// Message builds the string to sign:
// instruction=<op>&<params sorted by key>&timestamp=<ms>&window=<ms>
func Message(instruction string, params map[string]string, ts, window int64) string {
	var b strings.Builder
	b.WriteString("instruction=")
	b.WriteString(instruction)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	b.WriteString("&timestamp=")
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteString("&window=")
	b.WriteString(strconv.FormatInt(window, 10))
	return b.String()
}

func (s *Signer) sign(message string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, []byte(message)))
}

// SetHeaders signs a request for instruction and sets the auth headers.
func (s *Signer) SetHeaders(h http.Header, instruction string, params map[string]string) {
	ts := s.now().UnixMilli()
	h.Set("X-API-Key", s.apiKey)
	h.Set("X-Signature", s.sign(Message(instruction, params, ts, s.window)))
	h.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	h.Set("X-Window", strconv.FormatInt(s.window, 10))
}

// SubscribeSignature returns the signature array for private stream subscriptions.
func (s *Signer) SubscribeSignature() []string {
	ts := s.now().UnixMilli()
	return []string{
		s.apiKey,
		s.sign(Message("subscribe", nil, ts, s.window)),
		strconv.FormatInt(ts, 10),
		strconv.FormatInt(s.window, 10),
	}
}
