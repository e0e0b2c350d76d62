package wechatpay

import (
	"context"
	"net/http"
	"time"

	"github.com/mbd888/paysign/internal/aead"
	"github.com/mbd888/paysign/internal/certstore"
	"github.com/mbd888/paysign/internal/payerr"
	"github.com/mbd888/paysign/internal/signing"
)

// CertificatesPath is the platform certificate listing endpoint.
const CertificatesPath = "/v3/certificates"

// EncryptedResource is an AEAD_AES_256_GCM blob as WeChat Pay sends it, both
// in certificate listings and in notification bodies.
type EncryptedResource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type,omitempty"`
}

type certificateList struct {
	Data *[]platformCertificate `json:"data"`
}

type platformCertificate struct {
	SerialNo           string            `json:"serial_no"`
	EffectiveTime      time.Time         `json:"effective_time"`
	ExpireTime         time.Time         `json:"expire_time"`
	EncryptCertificate EncryptedResource `json:"encrypt_certificate"`
}

// CertificateLoader fetches and decrypts the platform certificates. Each
// call is a single attempt; the store it feeds owns the retries.
type CertificateLoader struct {
	client *Client
}

// NewCertificateLoader returns the loader the client's own store uses.
func NewCertificateLoader(c *Client) *CertificateLoader {
	return &CertificateLoader{client: c}
}

// LoadCertificates implements certstore.Loader.
func (l *CertificateLoader) LoadCertificates(ctx context.Context) ([]certstore.Entry, error) {
	const op = "wechatpay.certificates"

	r, err := l.client.roundTrip(ctx, op, http.MethodGet, CertificatesPath, nil)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(op, r.status, r.body); err != nil {
		return nil, err
	}
	var list certificateList
	if err := decodeJSON(op, r.body, &list); err != nil {
		return nil, err
	}
	if list.Data == nil {
		return nil, payerr.Malformed(op, "response has no data array")
	}

	key := []byte(l.client.cfg.APIv3Key)
	entries := make([]certstore.Entry, 0, len(*list.Data))
	for _, pc := range *list.Data {
		if pc.SerialNo == "" {
			return nil, payerr.Malformed(op, "certificate without serial_no")
		}
		enc := pc.EncryptCertificate
		certPEM, err := aead.Decrypt(key, []byte(enc.AssociatedData), []byte(enc.Nonce), enc.Ciphertext)
		if err != nil {
			return nil, err
		}
		pub, err := signing.PublicKeyFromCertificate(certPEM)
		if err != nil {
			return nil, err
		}
		entries = append(entries, certstore.Entry{
			Serial:      pc.SerialNo,
			PublicKey:   pub,
			EffectiveAt: pc.EffectiveTime,
			ExpiresAt:   pc.ExpireTime,
		})
	}
	// The listing is signed by one of the keys it delivers, or by one the
	// store already holds.
	if err := l.client.verifyResponse(ctx, op, r, entries); err != nil {
		return nil, err
	}
	return entries, nil
}
