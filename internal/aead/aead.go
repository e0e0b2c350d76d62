// Package aead decrypts and encrypts notification resources with
// AES-256-GCM.
//
// Every failure is reported as ErrDecrypt. Callers cannot tell a wrong key
// from a tampered tag, which is intended.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"unicode/utf8"

	"github.com/mbd888/paysign/internal/payerr"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// ErrDecrypt is returned for every decryption failure.
var ErrDecrypt = payerr.Crypto("aead.decrypt", errors.New("decryption failed"))

// ErrKeySize is returned by Encrypt for a key that is not 32 bytes.
var ErrKeySize = payerr.Crypto("aead.encrypt", errors.New("key must be 32 bytes"))

// Decrypt opens a base64 ciphertext (with the GCM tag appended) and returns
// the UTF-8 plaintext. The nonce is used exactly as given.
func Decrypt(key, associatedData, nonce []byte, ciphertextB64 string) ([]byte, error) {
	gcm, err := newGCM(key, nonce)
	if err != nil {
		return nil, ErrDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, ErrDecrypt
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrDecrypt
	}
	if !utf8.Valid(plaintext) {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// DecryptString is Decrypt with string arguments, as they arrive in JSON.
func DecryptString(key, associatedData, nonce, ciphertextB64 string) ([]byte, error) {
	return Decrypt([]byte(key), []byte(associatedData), []byte(nonce), ciphertextB64)
}

// Encrypt seals plaintext and returns base64 of ciphertext||tag.
func Encrypt(key, associatedData, nonce, plaintext []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrKeySize
	}
	gcm, err := newGCM(key, nonce)
	if err != nil {
		return "", payerr.Crypto("aead.encrypt", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, associatedData)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func newGCM(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("bad key size")
	}
	if len(nonce) == 0 {
		return nil, errors.New("empty nonce")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, len(nonce))
}
