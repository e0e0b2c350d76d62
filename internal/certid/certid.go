// Package certid computes the certificate serial fingerprints Alipay uses
// to identify application and root certificates (app_cert_sn,
// alipay_root_cert_sn, alipay_cert_sn).
//
// The gateway recomputes the same value on its side, so the issuer
// rendering below must stay byte-for-byte stable. A mismatch is not a
// local error; requests simply fail authentication remotely.
package certid

import (
	"crypto/md5"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mbd888/paysign/internal/payerr"
)

const (
	endCertificate = "-----END CERTIFICATE-----"
	rsaFamilyOID   = "1.2.840.113549.1.1"
)

// ErrNoRSACertificate is returned when a root bundle has no RSA-signed
// certificate.
var ErrNoRSACertificate = errors.New("no RSA-signed certificate in bundle")

var attributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "STREET",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"1.2.840.113549.1.9.1":       "Email",
	"0.9.2342.19200300.100.1.1":  "UID",
	"0.9.2342.19200300.100.1.25": "DC",
}

// Fingerprint returns md5(issuer + decimal serial) in lowercase hex for a
// PEM or DER certificate.
func Fingerprint(certBytes []byte) (string, error) {
	cert, err := parse(certBytes)
	if err != nil {
		return "", payerr.Crypto("certid.fingerprint", err)
	}
	return fingerprint(cert)
}

// FingerprintFile reads a certificate from path and fingerprints it.
func FingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", payerr.Config("certid.fingerprint", err)
	}
	return Fingerprint(data)
}

// RootFingerprint fingerprints every RSA-signed certificate of a PEM bundle
// and joins the results with '_'. Fragments that do not parse and
// certificates signed with other algorithms are skipped.
func RootFingerprint(bundle []byte) (string, error) {
	var sns []string
	for _, fragment := range strings.Split(string(bundle), endCertificate) {
		if !strings.Contains(fragment, "-----BEGIN") {
			continue
		}
		cert, err := parse([]byte(fragment + endCertificate))
		if err != nil {
			continue
		}
		oid, err := signatureOID(cert.Raw)
		if err != nil || !strings.HasPrefix(oid, rsaFamilyOID) {
			continue
		}
		sn, err := fingerprint(cert)
		if err != nil {
			return "", payerr.Crypto("certid.root_fingerprint", err)
		}
		sns = append(sns, sn)
	}
	if len(sns) == 0 {
		return "", payerr.Crypto("certid.root_fingerprint", ErrNoRSACertificate)
	}
	return strings.Join(sns, "_"), nil
}

// RootFingerprintFile reads a root bundle from path and fingerprints it.
func RootFingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", payerr.Config("certid.root_fingerprint", err)
	}
	return RootFingerprint(data)
}

// IssuerString renders the issuer in encoded RDN order as attr=value
// joined with ", ", then reverses it unless it starts with CN.
func IssuerString(cert *x509.Certificate) (string, error) {
	var rdns pkix.RDNSequence
	rest, err := asn1.Unmarshal(cert.RawIssuer, &rdns)
	if err != nil {
		return "", fmt.Errorf("parse issuer: %w", err)
	}
	if len(rest) > 0 {
		return "", errors.New("trailing data after issuer")
	}

	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		attrs := make([]string, 0, len(rdn))
		for _, atv := range rdn {
			attrs = append(attrs, attributeName(atv.Type)+"="+fmt.Sprint(atv.Value))
		}
		parts = append(parts, strings.Join(attrs, " + "))
	}
	name := strings.Join(parts, ", ")

	if strings.HasPrefix(name, "CN") {
		return name, nil
	}
	fields := strings.Split(name, ", ")
	for i, j := 0, len(fields)-1; i < j; i, j = i+1, j-1 {
		fields[i], fields[j] = fields[j], fields[i]
	}
	return strings.Join(fields, ","), nil
}

func fingerprint(cert *x509.Certificate) (string, error) {
	issuer, err := IssuerString(cert)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(issuer + cert.SerialNumber.String()))
	return hex.EncodeToString(sum[:]), nil
}

func attributeName(oid asn1.ObjectIdentifier) string {
	if name, ok := attributeNames[oid.String()]; ok {
		return name
	}
	return oid.String()
}

func parse(data []byte) (*x509.Certificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		der = block.Bytes
	}
	return x509.ParseCertificate(der)
}

// signatureOID reads the outer signatureAlgorithm of a DER certificate.
// x509.Certificate only exposes a closed enum, which loses unknown RSA
// variants.
func signatureOID(raw []byte) (string, error) {
	var outer struct {
		TBS       asn1.RawValue
		Algorithm pkix.AlgorithmIdentifier
		Signature asn1.BitString
	}
	if _, err := asn1.Unmarshal(raw, &outer); err != nil {
		return "", err
	}
	return outer.Algorithm.Algorithm.String(), nil
}
