// Package wechatpaytest runs a fake WeChat Pay v3 gateway for tests.
//
// The server checks the merchant Authorization header on every request,
// serves encrypted platform certificates from /v3/certificates, and signs
// its 2xx replies and its notifications with its platform key. Tests call New at the top:
//
//	gw := wechatpaytest.New(t, apiV3Key)
//	gw.RequireSignedBy(merchantKey.Public().(*rsa.PublicKey))
package wechatpaytest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/paysign/internal/aead"
	"github.com/mbd888/paysign/internal/canonical"
	"github.com/mbd888/paysign/internal/idgen"
	"github.com/mbd888/paysign/internal/signing"
)

// Request is one request the fake gateway received.
type Request struct {
	Method        string
	Path          string
	RawQuery      string
	Authorization string
	Body          []byte
}

// Platform is one platform key pair with its certificate.
type Platform struct {
	Serial  string
	Key     *rsa.PrivateKey
	CertPEM []byte
}

// Server is the fake gateway.
type Server struct {
	*httptest.Server

	APIv3Key string

	t           testing.TB
	mu          sync.Mutex
	platforms   []Platform
	merchantPub *rsa.PublicKey
	handlers    map[string]http.HandlerFunc
	requests    []Request
	certFails   int
	certStatus  int
	badReplies  bool
	now         func() time.Time
}

// New starts a server with one platform certificate. It is closed when the
// test ends.
func New(t testing.TB, apiV3Key string) *Server {
	t.Helper()
	s := &Server{
		APIv3Key: apiV3Key,
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		now:      time.Now,
	}
	s.AddPlatform("PLATFORM_SERIAL_1")
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// NewKey generates an RSA key for tests.
func NewKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("wechatpaytest: generate key: %v", err)
	}
	return key
}

// KeyPEM encodes key as PKCS#1 PEM.
func KeyPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

// AddPlatform generates a key and a self-signed certificate under serial
// and adds it to the served list.
func (s *Server) AddPlatform(serial string) Platform {
	s.t.Helper()
	key := NewKey(s.t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "Tenpay.com Root CA", Organization: []string{"Tenpay.com"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		s.t.Fatalf("wechatpaytest: create certificate: %v", err)
	}
	p := Platform{
		Serial:  serial,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
	s.mu.Lock()
	s.platforms = append(s.platforms, p)
	s.mu.Unlock()
	return p
}

// ReplacePlatforms drops every served certificate and serves only one new
// one under serial.
func (s *Server) ReplacePlatforms(serial string) Platform {
	s.mu.Lock()
	s.platforms = nil
	s.mu.Unlock()
	return s.AddPlatform(serial)
}

// Platform returns the first served platform.
func (s *Server) Platform() Platform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platforms[0]
}

// RequireSignedBy makes the server reject requests whose Authorization
// signature does not verify under pub.
func (s *Server) RequireSignedBy(pub *rsa.PublicKey) {
	s.mu.Lock()
	s.merchantPub = pub
	s.mu.Unlock()
}

// Handle registers a handler for "METHOD /path".
func (s *Server) Handle(pattern string, h http.HandlerFunc) {
	s.mu.Lock()
	s.handlers[pattern] = h
	s.mu.Unlock()
}

// FailCertificates makes the next n certificate requests answer status.
func (s *Server) FailCertificates(n, status int) {
	s.mu.Lock()
	s.certFails, s.certStatus = n, status
	s.mu.Unlock()
}

// CorruptReplySignatures makes every later 2xx reply carry a signature
// that does not match its body.
func (s *Server) CorruptReplySignatures() {
	s.mu.Lock()
	s.badReplies = true
	s.mu.Unlock()
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountPath counts received requests for path.
func (s *Server) CountPath(path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	auth := r.Header.Get("Authorization")

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		RawQuery:      r.URL.RawQuery,
		Authorization: auth,
		Body:          body,
	})
	pub := s.merchantPub
	h := s.handlers[r.Method+" "+r.URL.Path]
	s.mu.Unlock()

	if pub != nil {
		if err := checkAuthorization(pub, r, auth, body); err != nil {
			WriteError(w, http.StatusUnauthorized, "SIGN_ERROR", err.Error())
			return
		}
	}

	rec := httptest.NewRecorder()
	switch {
	case h != nil:
		h(rec, r)
	case r.Method == http.MethodGet && r.URL.Path == "/v3/certificates":
		s.serveCertificates(rec)
	default:
		WriteError(rec, http.StatusNotFound, "NOT_FOUND", "no handler for "+r.Method+" "+r.URL.Path)
	}
	s.reply(w, rec)
}

// reply copies rec to w, signing 2xx bodies the way the gateway does.
func (s *Server) reply(w http.ResponseWriter, rec *httptest.ResponseRecorder) {
	for k, v := range rec.Header() {
		w.Header()[k] = v
	}
	body := rec.Body.Bytes()
	if rec.Code >= 200 && rec.Code < 300 {
		s.mu.Lock()
		bad := s.badReplies
		s.mu.Unlock()
		signed := body
		if bad {
			signed = append(append([]byte(nil), body...), ' ')
		}
		for k, v := range s.SignNotification(signed) {
			w.Header()[k] = v
		}
	}
	w.WriteHeader(rec.Code)
	_, _ = w.Write(body)
}

func (s *Server) serveCertificates(w http.ResponseWriter) {
	s.mu.Lock()
	if s.certFails > 0 {
		s.certFails--
		status := s.certStatus
		s.mu.Unlock()
		WriteError(w, status, "SYSTEM_ERROR", "try again")
		return
	}
	platforms := append([]Platform(nil), s.platforms...)
	s.mu.Unlock()

	type encrypted struct {
		Algorithm      string `json:"algorithm"`
		Nonce          string `json:"nonce"`
		AssociatedData string `json:"associated_data"`
		Ciphertext     string `json:"ciphertext"`
	}
	type item struct {
		SerialNo           string    `json:"serial_no"`
		EffectiveTime      time.Time `json:"effective_time"`
		ExpireTime         time.Time `json:"expire_time"`
		EncryptCertificate encrypted `json:"encrypt_certificate"`
	}
	data := make([]item, 0, len(platforms))
	for _, p := range platforms {
		nonce := idgen.Nonce(12)
		ct, err := aead.Encrypt([]byte(s.APIv3Key), []byte("certificate"), []byte(nonce), p.CertPEM)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "SYSTEM_ERROR", err.Error())
			return
		}
		data = append(data, item{
			SerialNo:      p.Serial,
			EffectiveTime: s.now().Add(-time.Hour).Truncate(time.Second),
			ExpireTime:    s.now().Add(24 * time.Hour).Truncate(time.Second),
			EncryptCertificate: encrypted{
				Algorithm:      "AEAD_AES_256_GCM",
				Nonce:          nonce,
				AssociatedData: "certificate",
				Ciphertext:     ct,
			},
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": data})
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a v3 error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]string{"code": code, "message": message})
}

func checkAuthorization(pub *rsa.PublicKey, r *http.Request, auth string, body []byte) error {
	const scheme = "WECHATPAY2-SHA256-RSA2048 "
	if !strings.HasPrefix(auth, scheme) {
		return fmt.Errorf("bad scheme")
	}
	fields := map[string]string{}
	for _, kv := range strings.Split(strings.TrimPrefix(auth, scheme), ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("bad field %q", kv)
		}
		fields[k] = strings.Trim(v, `"`)
	}
	for _, k := range []string{"mchid", "nonce_str", "timestamp", "serial_no", "signature"} {
		if fields[k] == "" {
			return fmt.Errorf("missing %s", k)
		}
	}
	message := canonical.Request(r.Method, r.URL.RequestURI(), fields["timestamp"], fields["nonce_str"], string(body))
	ok, err := signing.Verify(pub, []byte(message), fields["signature"])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// EncryptResource encrypts plaintext the way notification resources are.
func (s *Server) EncryptResource(originalType string, plaintext []byte) map[string]string {
	s.t.Helper()
	nonce := idgen.Nonce(12)
	ct, err := aead.Encrypt([]byte(s.APIv3Key), []byte(originalType), []byte(nonce), plaintext)
	if err != nil {
		s.t.Fatalf("wechatpaytest: encrypt resource: %v", err)
	}
	return map[string]string{
		"algorithm":       "AEAD_AES_256_GCM",
		"ciphertext":      ct,
		"nonce":           nonce,
		"associated_data": originalType,
		"original_type":   originalType,
	}
}

// Notification builds a complete notification body for eventType wrapping
// the encrypted plaintext, and the headers signed by the first platform.
func (s *Server) Notification(eventType string, plaintext []byte) (http.Header, []byte) {
	s.t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":            idgen.Hex(16),
		"create_time":   s.now().Format(time.RFC3339),
		"event_type":    eventType,
		"resource_type": "encrypt-resource",
		"summary":       "notification",
		"resource":      s.EncryptResource("transaction", plaintext),
	})
	if err != nil {
		s.t.Fatalf("wechatpaytest: marshal notification: %v", err)
	}
	return s.SignNotification(body), body
}

// SignNotification returns the headers a gateway would send with body,
// signed by the first platform key.
func (s *Server) SignNotification(body []byte) http.Header {
	s.t.Helper()
	p := s.Platform()
	ts := strconv.FormatInt(s.now().Unix(), 10)
	nonce := idgen.RequestNonce()
	sig, err := signing.Sign(p.Key, []byte(canonical.Notification(ts, nonce, string(body))))
	if err != nil {
		s.t.Fatalf("wechatpaytest: sign notification: %v", err)
	}
	h := http.Header{}
	h.Set("Wechatpay-Timestamp", ts)
	h.Set("Wechatpay-Nonce", nonce)
	h.Set("Wechatpay-Signature", sig)
	h.Set("Wechatpay-Serial", p.Serial)
	h.Set("Wechatpay-Signature-Type", "WECHATPAY2-SHA256-RSA2048")
	return h
}
