package aead

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysign/internal/payerr"
)

const apiV3Key = "0123456789abcdef0123456789abcdef"

func TestRoundTrip(t *testing.T) {
	plaintext := []byte(`{"out_trade_no":"T100","trade_state":"SUCCESS"}`)
	for _, nonce := range []string{"n1", "8a9f0b1c2d3e", "a-much-longer-nonce-value"} {
		ct, err := Encrypt([]byte(apiV3Key), []byte("transaction"), []byte(nonce), plaintext)
		require.NoError(t, err)

		got, err := DecryptString(apiV3Key, "transaction", nonce, ct)
		require.NoError(t, err, nonce)
		assert.Equal(t, plaintext, got)
	}
}

func TestDecrypt_AnySingleByteChangeFails(t *testing.T) {
	key := []byte(apiV3Key)
	aad := []byte("certificate")
	nonce := []byte("4e2b8c1f9d0a")
	ct, err := Encrypt(key, aad, nonce, []byte("-----BEGIN CERTIFICATE-----"))
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)

	flip := func(b []byte, i int) []byte {
		out := append([]byte(nil), b...)
		out[i] ^= 0x01
		return out
	}

	for i := range key {
		_, err := Decrypt(flip(key, i), aad, nonce, ct)
		assert.ErrorIs(t, err, ErrDecrypt, "key byte %d", i)
	}
	for i := range aad {
		_, err := Decrypt(key, flip(aad, i), nonce, ct)
		assert.ErrorIs(t, err, ErrDecrypt, "aad byte %d", i)
	}
	for i := range nonce {
		_, err := Decrypt(key, aad, flip(nonce, i), ct)
		assert.ErrorIs(t, err, ErrDecrypt, "nonce byte %d", i)
	}
	for i := range raw {
		_, err := Decrypt(key, aad, nonce, base64.StdEncoding.EncodeToString(flip(raw, i)))
		assert.ErrorIs(t, err, ErrDecrypt, "ciphertext byte %d", i)
	}
}

func TestDecrypt_UniformErrors(t *testing.T) {
	ct, err := Encrypt([]byte(apiV3Key), nil, []byte("n1"), []byte("{}"))
	require.NoError(t, err)

	cases := map[string]error{}
	_, cases["short key"] = DecryptString("short", "", "n1", ct)
	_, cases["bad base64"] = DecryptString(apiV3Key, "", "n1", "%%%")
	_, cases["empty nonce"] = DecryptString(apiV3Key, "", "", ct)
	_, cases["wrong aad"] = DecryptString(apiV3Key, "x", "n1", ct)

	for name, err := range cases {
		assert.Same(t, ErrDecrypt, err, name)
		assert.True(t, errors.Is(err, payerr.ErrCrypto), name)
	}
}

func TestDecrypt_RejectsNonUTF8(t *testing.T) {
	ct, err := Encrypt([]byte(apiV3Key), nil, []byte("n1"), []byte{0xff, 0xfe, 0x00})
	require.NoError(t, err)
	_, err = DecryptString(apiV3Key, "", "n1", ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncrypt_KeySize(t *testing.T) {
	_, err := Encrypt([]byte("short"), nil, []byte("n"), []byte("x"))
	assert.ErrorIs(t, err, ErrKeySize)
}
