package identity

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goliatone/go-errors"
)

// Handshake session keys shared with provider clients.
const (
	HandshakeStateKey        = "state"
	HandshakeCodeVerifierKey = "code_verifier"
	HandshakeNonceKey        = "nonce"
)

const (
	TextCodeInvalidHandshake = "identity_invalid_handshake"
	TextCodeHandshakeExpired = "identity_handshake_expired"
)

// ErrInvalidHandshake is returned when a handshake cookie fails verification
// or its state was already used.
var ErrInvalidHandshake = errors.New("invalid handshake state", errors.CategoryBadInput).
	WithTextCode(TextCodeInvalidHandshake).
	WithCode(errors.CodeBadRequest)

// ErrHandshakeExpired is returned for handshake cookies past their TTL.
var ErrHandshakeExpired = errors.New("handshake state expired", errors.CategoryBadInput).
	WithTextCode(TextCodeHandshakeExpired).
	WithCode(errors.CodeBadRequest)

// NonceStore remembers issued handshake states so each one is accepted once.
type NonceStore interface {
	Remember(ctx context.Context, nonce string, ttl time.Duration) error
	Consume(ctx context.Context, nonce string) (bool, error)
}

type handshakeEnvelope struct {
	Provider  ProviderID       `json:"p"`
	Values    HandshakeSession `json:"v"`
	IssuedAt  int64            `json:"iat"`
	ExpiresAt int64            `json:"exp"`
}

// HandshakeCodec seals a HandshakeSession into an opaque cookie value using
// AES-GCM and an HMAC-SHA256 signature over the ciphertext.
type HandshakeCodec struct {
	encryptionKey []byte
	hmacKey       []byte
	ttl           time.Duration
	now           func() time.Time
}

// NewHandshakeCodec derives the codec keys from the installation secret.
func NewHandshakeCodec(installationSecret []byte, ttl time.Duration) *HandshakeCodec {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &HandshakeCodec{
		encryptionKey: DeriveKey(installationSecret, "go-identity/handshake/enc/v1"),
		hmacKey:       DeriveKey(installationSecret, "go-identity/handshake/mac/v1"),
		ttl:           ttl,
		now:           time.Now,
	}
}

// TTL is how long a sealed handshake stays valid.
func (c *HandshakeCodec) TTL() time.Duration {
	return c.ttl
}

// NewHandshake returns a session seeded with a fresh state nonce.
func NewHandshake() HandshakeSession {
	return HandshakeSession{
		HandshakeStateKey: randomToken(24),
		HandshakeNonceKey: randomToken(16),
	}
}

// Seal encrypts and signs session for provider.
func (c *HandshakeCodec) Seal(provider ProviderID, session HandshakeSession) (string, error) {
	now := c.now()
	plaintext, err := json.Marshal(handshakeEnvelope{
		Provider:  CanonicalProviderID(provider),
		Values:    session,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(c.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal handshake: %w", err)
	}

	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(ciphertext)
	signature := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(append(signature, ciphertext...)), nil
}

// Open verifies token and returns the session it carries. The sealed
// provider must match provider.
func (c *HandshakeCodec) Open(provider ProviderID, token string) (HandshakeSession, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(data) < sha256.Size {
		return nil, ErrInvalidHandshake
	}

	signature, ciphertext := data[:sha256.Size], data[sha256.Size:]

	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write(ciphertext)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, ErrInvalidHandshake
	}

	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidHandshake
	}

	plaintext, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidHandshake
	}

	var env handshakeEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, ErrInvalidHandshake
	}

	if env.Provider != CanonicalProviderID(provider) {
		return nil, fmt.Errorf("%w: provider mismatch", ErrInvalidHandshake)
	}

	if c.now().Unix() > env.ExpiresAt {
		return nil, ErrHandshakeExpired
	}

	if env.Values == nil {
		env.Values = HandshakeSession{}
	}

	return env.Values, nil
}

func (c *HandshakeCodec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
