package signedstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec("test-secret")

	claims := map[string]interface{}{
		"type":         "confirm",
		"scope":        "create",
		"me":           "https://user.example.net/",
		"client_id":    "https://app.example.com/",
		"redirect_uri": "https://app.example.com/callback",
		"state":        "xyz123",
	}

	token, err := codec.Encode(claims, 5*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded, err := codec.Decode(token)
	require.NoError(t, err)

	for k, v := range claims {
		assert.Equal(t, v, decoded[k], "claim %q should round-trip unchanged", k)
	}
	assert.Contains(t, decoded, "exp")
}

func TestEncodeDoesNotMutateInput(t *testing.T) {
	codec := NewCodec("test-secret")
	claims := map[string]interface{}{"type": "confirm"}

	_, err := codec.Encode(claims, time.Minute)
	require.NoError(t, err)
	assert.NotContains(t, claims, "exp")
}

func TestDecodeExpired(t *testing.T) {
	codec := NewCodec("test-secret")

	token, err := codec.Encode(map[string]interface{}{"type": "confirm"}, -time.Minute)
	require.NoError(t, err)

	_, err = codec.Decode(token)
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDecodeWrongSecret(t *testing.T) {
	codec := NewCodec("test-secret")
	other := NewCodec("other-secret")

	token, err := codec.Encode(map[string]interface{}{"type": "confirm"}, time.Minute)
	require.NoError(t, err)

	_, err = other.Decode(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.NotErrorIs(t, err, ErrExpired)
}

func TestDecodeGarbage(t *testing.T) {
	codec := NewCodec("test-secret")

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		_, err := codec.Decode(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
}
