package signing

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mbd888/paysign/internal/payerr"
)

// PEM labels used when wrapping a raw base64 key body.
const (
	LabelRSAPrivateKey = "RSA PRIVATE KEY"
	LabelPublicKey     = "PUBLIC KEY"
)

const lineWidth = 64

// ReadSource resolves a key source. An existing file path is read first;
// anything else is taken as literal key text.
func ReadSource(source string) (string, error) {
	s := strings.TrimSpace(source)
	if s == "" {
		return "", errors.New("empty key source")
	}
	if !strings.Contains(s, "-----BEGIN") && !strings.ContainsAny(s, "\r\n") {
		if data, err := os.ReadFile(s); err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}
	return s, nil
}

// WrapPEM wraps a raw base64 body in a PEM envelope with 64-column folding.
// Text that already carries a PEM header is returned unchanged.
func WrapPEM(body, label string) string {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "-----BEGIN") {
		return body
	}
	body = strings.Join(strings.Fields(body), "")

	var b strings.Builder
	b.WriteString("-----BEGIN " + label + "-----\n")
	for len(body) > lineWidth {
		b.WriteString(body[:lineWidth])
		b.WriteByte('\n')
		body = body[lineWidth:]
	}
	if body != "" {
		b.WriteString(body)
		b.WriteByte('\n')
	}
	b.WriteString("-----END " + label + "-----\n")
	return b.String()
}

// LoadPrivateKey loads an RSA private key from PEM text, a file path, or a
// raw base64 body. PKCS#1 and PKCS#8 are both accepted regardless of the
// PEM label.
func LoadPrivateKey(source string) (*rsa.PrivateKey, error) {
	text, err := ReadSource(source)
	if err != nil {
		return nil, payerr.Crypto("signing.load_private_key", err)
	}
	key, err := ParsePrivateKey([]byte(WrapPEM(text, LabelRSAPrivateKey)))
	if err != nil {
		return nil, payerr.Crypto("signing.load_private_key", err)
	}
	return key, nil
}

// ParsePrivateKey parses the first PEM block of data as an RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse %q block: %w", block.Type, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return key, nil
}

// LoadPublicKey loads an RSA public key from PEM text, a file path, or a
// raw base64 body. PKIX, PKCS#1 and X.509 certificates are accepted.
func LoadPublicKey(source string) (*rsa.PublicKey, error) {
	text, err := ReadSource(source)
	if err != nil {
		return nil, payerr.Crypto("signing.load_public_key", err)
	}
	key, err := ParsePublicKey([]byte(WrapPEM(text, LabelPublicKey)))
	if err != nil {
		return nil, payerr.Crypto("signing.load_public_key", err)
	}
	return key, nil
}

// ParsePublicKey parses the first PEM block of data as an RSA public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type == "CERTIFICATE" {
		return publicKeyFromDER(block.Bytes)
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", parsed)
		}
		return key, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	// Raw bodies wrapped as PUBLIC KEY may actually be a certificate.
	if key, err := publicKeyFromDER(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unrecognised %q block", block.Type)
}

// PublicKeyFromCertificate extracts the RSA public key from a PEM or DER
// encoded X.509 certificate.
func PublicKeyFromCertificate(data []byte) (*rsa.PublicKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	key, err := publicKeyFromDER(der)
	if err != nil {
		return nil, payerr.Crypto("signing.certificate_public_key", err)
	}
	return key, nil
}

func publicKeyFromDER(der []byte) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is %T, not RSA", cert.PublicKey)
	}
	return key, nil
}
