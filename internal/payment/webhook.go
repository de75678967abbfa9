package payment

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/timeouts"
)

// Webhook delivery headers set by the processor.
const (
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
)

const signatureAlgo = "SHA256withRSA"

// certHostSuffix allow-lists where signing certificates may be fetched from.
const certHostSuffix = "paypal.com"

// VerifyWebhookSignature checks the transmission signature on a webhook
// delivery. The expected message is
// transmissionID|transmissionTime|webhookID|crc32(body), signed SHA-256/RSA
// with the certificate the delivery points at. A missing header, an
// unexpected algorithm, a cert host outside the allow-list or a signature
// mismatch all verify false. Only cert-fetch transport failures return an
// error.
func (a *Adapter) VerifyWebhookSignature(ctx context.Context, header http.Header, body []byte) (bool, error) {
	if a == nil || a.cfg.WebhookID == "" {
		return false, apperrors.New(apperrors.CodeAdapterNotConfigured, "webhook id is not configured")
	}

	transmissionID := strings.TrimSpace(header.Get(HeaderTransmissionID))
	transmissionTime := strings.TrimSpace(header.Get(HeaderTransmissionTime))
	signature := strings.TrimSpace(header.Get(HeaderTransmissionSig))
	certURL := strings.TrimSpace(header.Get(HeaderCertURL))
	algo := strings.TrimSpace(header.Get(HeaderAuthAlgo))
	if transmissionID == "" || transmissionTime == "" || signature == "" || certURL == "" {
		return false, nil
	}
	if !strings.EqualFold(algo, signatureAlgo) {
		return false, nil
	}
	if !allowedCertURL(certURL) {
		return false, nil
	}

	decodedSig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}

	cert, err := a.certs.get(ctx, certURL)
	if err != nil {
		return false, err
	}
	publicKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false, nil
	}

	message := fmt.Sprintf("%s|%s|%s|%d",
		transmissionID, transmissionTime, a.cfg.WebhookID, crc32.ChecksumIEEE(body))
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], decodedSig); err != nil {
		return false, nil
	}
	return true, nil
}

func allowedCertURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "https" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == certHostSuffix || strings.HasSuffix(host, "."+certHostSuffix)
}

// certCache keeps fetched signing certificates in memory keyed by URL.
// Entries expire with the certificate's own validity window.
type certCache struct {
	client *http.Client

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

func newCertCache(client *http.Client) *certCache {
	return &certCache{client: client, certs: make(map[string]*x509.Certificate)}
}

func (c *certCache) get(ctx context.Context, certURL string) (*x509.Certificate, error) {
	c.mu.Lock()
	cached, ok := c.certs[certURL]
	c.mu.Unlock()
	if ok && time.Now().Before(cached.NotAfter) {
		return cached, nil
	}

	cert, err := c.fetch(ctx, certURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.certs[certURL] = cert
	c.mu.Unlock()
	return cert, nil
}

func (c *certCache) fetch(ctx context.Context, certURL string) (*x509.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.AdapterCall)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build cert request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewAdapterError(serviceName, apperrors.AdapterUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, apperrors.NewAdapterError(serviceName, apperrors.AdapterKindForStatus(res.StatusCode),
			fmt.Errorf("cert fetch status %d", res.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err != nil {
		return nil, apperrors.NewAdapterError(serviceName, apperrors.AdapterUnavailable,
			fmt.Errorf("read cert body: %w", err))
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("cert response is not PEM"))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperrors.NewAdapterError(serviceName, apperrors.AdapterInvalidResponse,
			fmt.Errorf("parse cert: %w", err))
	}
	return cert, nil
}
