package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// CredentialTimeLayout is the fixed precision layout (ddMMyyyyHHmmss) used to
// fold the account creation time into the credential.
const CredentialTimeLayout = "02012006150405"

const credentialKeyInfo = "go-identity/credential/v1"

// CredentialDeriver computes the password equivalent secret of an account.
// The secret is never stored; it is recomputed for every session issuance.
type CredentialDeriver struct {
	key    []byte
	secret []byte
}

// NewCredentialDeriver returns a deriver bound to the installation secret.
func NewCredentialDeriver(installationSecret []byte) *CredentialDeriver {
	secret := append([]byte(nil), installationSecret...)
	return &CredentialDeriver{
		key:    DeriveKey(secret, credentialKeyInfo),
		secret: secret,
	}
}

// Derive returns the credential for username created at createdAt.
func (d *CredentialDeriver) Derive(username string, createdAt time.Time) string {
	return sign(d.key, username, createdAt, d.secret)
}

// DeriveCredential is the pure form of CredentialDeriver.Derive.
func DeriveCredential(username string, createdAt time.Time, installationSecret []byte) string {
	return sign(DeriveKey(installationSecret, credentialKeyInfo), username, createdAt, installationSecret)
}

// DeriveKey expands secret into a 32 byte key scoped to info.
func DeriveKey(secret []byte, info string) []byte {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	// hkdf only fails after 255*32 bytes
	_, _ = io.ReadFull(r, key)
	return key
}

func sign(key []byte, username string, createdAt time.Time, secret []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(username))
	mac.Write([]byte(FormatCredentialTime(createdAt)))
	mac.Write(secret)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatCredentialTime renders t in UTC at second precision.
func FormatCredentialTime(t time.Time) string {
	return t.UTC().Format(CredentialTimeLayout)
}

// CredentialTime normalizes t to the precision the credential uses so stored
// timestamps round trip exactly.
func CredentialTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
