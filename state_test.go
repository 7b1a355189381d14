package identity

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeCodecRoundTrip(t *testing.T) {
	codec := NewHandshakeCodec([]byte("secret"), time.Minute)
	session := NewHandshake()
	session.Set(HandshakeCodeVerifierKey, "pkce")

	sealed, err := codec.Seal("google", session)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "pkce")

	opened, err := codec.Open("google", sealed)
	require.NoError(t, err)
	assert.Equal(t, session, opened)

	opened, err = codec.Open("Google", sealed)
	require.NoError(t, err)
	assert.Equal(t, session, opened)
}

func TestHandshakeCodecRejects(t *testing.T) {
	codec := NewHandshakeCodec([]byte("secret"), time.Minute)
	sealed, err := codec.Seal("google", NewHandshake())
	require.NoError(t, err)

	t.Run("provider mismatch", func(t *testing.T) {
		_, err := codec.Open("github", sealed)
		assert.True(t, IsFault(err, ErrInvalidHandshake))
	})

	t.Run("tampered", func(t *testing.T) {
		data, err := base64.RawURLEncoding.DecodeString(sealed)
		require.NoError(t, err)
		data[len(data)-1] ^= 0x01
		_, err = codec.Open("google", base64.RawURLEncoding.EncodeToString(data))
		assert.True(t, IsFault(err, ErrInvalidHandshake))
	})

	t.Run("other secret", func(t *testing.T) {
		_, err := NewHandshakeCodec([]byte("other"), time.Minute).Open("google", sealed)
		assert.True(t, IsFault(err, ErrInvalidHandshake))
	})

	t.Run("garbage", func(t *testing.T) {
		for _, token := range []string{"", "!!", strings.Repeat("a", 10)} {
			_, err := codec.Open("google", token)
			assert.True(t, IsFault(err, ErrInvalidHandshake), token)
		}
	})

	t.Run("expired", func(t *testing.T) {
		codec.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { codec.now = time.Now }()

		_, err := codec.Open("google", sealed)
		assert.True(t, IsFault(err, ErrHandshakeExpired))
	})
}

func TestNewHandshakeIsRandom(t *testing.T) {
	a, b := NewHandshake(), NewHandshake()
	assert.NotEmpty(t, a.Get(HandshakeStateKey))
	assert.NotEqual(t, a.Get(HandshakeStateKey), b.Get(HandshakeStateKey))
	assert.Equal(t, 10*time.Minute, NewHandshakeCodec([]byte("s"), 0).TTL())
}
