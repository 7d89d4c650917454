// Package exchange implements the Kraken REST and WebSocket v2 clients:
// signed HTTP requests with retry/backoff, a multiplexing WS manager for
// the public and private sockets, and the local order-book mirror.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"kraken-bot/pkg/types"
)

// Auth signs private Kraken REST requests and issues monotonically
// increasing nonces.
//
// Signature: base64(HMAC-SHA512(secret, path ∥ SHA256(nonce ∥ postBody))),
// sent as the API-Sign header alongside API-Key. This is Kraken's
// documented scheme; it replaces the Polymarket EIP-712 + HMAC-SHA256 L1/L2
// auth entirely — there is no on-chain signature involved here.
type Auth struct {
	creds types.Credentials

	mu        sync.Mutex
	lastNonce int64
}

// NewAuth creates an Auth instance from credentials.
func NewAuth(creds types.Credentials) *Auth {
	return &Auth{creds: creds}
}

// HasCredentials reports whether both API key and secret are configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.Secret != ""
}

// nextNonce returns a strictly increasing unix-millisecond nonce. Kraken
// rejects a nonce that is not greater than the last one it accepted, so we
// guard against two calls landing in the same millisecond.
func (a *Auth) nextNonce() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := time.Now().UnixMilli()
	if n <= a.lastNonce {
		n = a.lastNonce + 1
	}
	a.lastNonce = n
	return n
}

// Sign builds the signed, form-encoded body and headers for a private
// endpoint. path is the API path the signature is computed over, e.g.
// "/0/private/AddOrder". params carries the request's other form fields;
// the nonce field is injected here.
func (a *Auth) Sign(path string, params url.Values) (body string, headers map[string]string, err error) {
	if !a.HasCredentials() {
		return "", nil, fmt.Errorf("exchange: no API credentials configured")
	}

	if params == nil {
		params = url.Values{}
	}
	nonce := a.nextNonce()
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	encoded := params.Encode()

	secretBytes, err := base64.StdEncoding.DecodeString(a.creds.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("exchange: decode API secret: %w", err)
	}

	sha := sha256.New()
	sha.Write([]byte(strconv.FormatInt(nonce, 10) + encoded))
	shaSum := sha.Sum(nil)

	mac := hmac.New(sha512.New, secretBytes)
	mac.Write([]byte(path))
	mac.Write(shaSum)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return encoded, map[string]string{
		"API-Key":      a.creds.APIKey,
		"API-Sign":     sig,
		"Content-Type": "application/x-www-form-urlencoded",
	}, nil
}
