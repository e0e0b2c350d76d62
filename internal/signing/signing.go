// Package signing implements RSASSA-PKCS1-v1_5 over SHA-256 signing and
// verification with base64 signatures, plus key loading.
//
// Verify distinguishes a signature that does not match (false, nil) from
// input that cannot be checked at all (a crypto error). Callers rejecting
// a notification must not confuse the two.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mbd888/paysign/internal/payerr"
)

// Sign signs message and returns the base64 signature.
func Sign(key *rsa.PrivateKey, message []byte) (string, error) {
	if key == nil {
		return "", payerr.Crypto("signing.sign", errors.New("nil private key"))
	}
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", payerr.Crypto("signing.sign", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over message.
func Verify(pub *rsa.PublicKey, message []byte, signatureB64 string) (bool, error) {
	if pub == nil {
		return false, payerr.Crypto("signing.verify", errors.New("nil public key"))
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, payerr.Crypto("signing.verify", fmt.Errorf("decode signature: %w", err))
	}
	if len(sig) != pub.Size() {
		return false, payerr.Crypto("signing.verify",
			fmt.Errorf("signature is %d bytes, key size is %d", len(sig), pub.Size()))
	}
	digest := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		if errors.Is(err, rsa.ErrVerification) {
			return false, nil
		}
		return false, payerr.Crypto("signing.verify", err)
	}
	return true, nil
}

// Signer holds a merchant private key for the lifetime of a gateway client.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner loads the private key from source (see LoadPrivateKey).
func NewSigner(source string) (*Signer, error) {
	key, err := LoadPrivateKey(source)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// SignerFromKey wraps an already parsed key.
func SignerFromKey(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign signs the string message.
func (s *Signer) Sign(message string) (string, error) {
	return Sign(s.key, []byte(message))
}

// Public returns the matching public key.
func (s *Signer) Public() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Verifier holds a gateway public key.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier loads the public key from source (see LoadPublicKey).
func NewVerifier(source string) (*Verifier, error) {
	key, err := LoadPublicKey(source)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: key}, nil
}

// VerifierFromKey wraps an already parsed key.
func VerifierFromKey(key *rsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify checks signatureB64 over the string message.
func (v *Verifier) Verify(message, signatureB64 string) (bool, error) {
	return Verify(v.key, []byte(message), signatureB64)
}
