package sns

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidSignature is returned when an envelope fails verification.
	ErrInvalidSignature = errors.New("invalid sns signature")
	// ErrUntrustedURL is returned for certificate or subscribe URLs that do
	// not point at SNS.
	ErrUntrustedURL = errors.New("untrusted sns url")
)

var snsHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// CertStore caches signing certificates by URL.
type CertStore interface {
	Get(ctx context.Context, certURL string) ([]byte, error)
	Set(ctx context.Context, certURL string, pem []byte) error
}

// Verifier checks SNS envelope signatures against the published signing
// certificate.
type Verifier struct {
	certs  CertStore
	client *http.Client
	logger *zap.Logger
}

// NewVerifier creates a Verifier. certs may be nil, in which case every
// verification downloads the certificate.
func NewVerifier(certs CertStore, logger *zap.Logger) *Verifier {
	return &Verifier{
		certs:  certs,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

// ValidateSNSURL checks that raw is an https URL on an SNS regional host.
func ValidateSNSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedURL, err)
	}
	if u.Scheme != "https" || !snsHost.MatchString(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrUntrustedURL, u.Host)
	}
	return nil
}

// Verify checks env's signature.
func (v *Verifier) Verify(ctx context.Context, env *Envelope) error {
	var hash crypto.Hash
	switch env.SignatureVersion {
	case "1":
		hash = crypto.SHA1
	case "2":
		hash = crypto.SHA256
	default:
		return fmt.Errorf("%w: unsupported signature version %q", ErrInvalidSignature, env.SignatureVersion)
	}

	if err := ValidateSNSURL(env.SigningCertURL); err != nil {
		return err
	}
	if !strings.HasSuffix(env.SigningCertURL, ".pem") {
		return fmt.Errorf("%w: certificate url is not a pem", ErrUntrustedURL)
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	cert, err := v.certificate(ctx, env.SigningCertURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not rsa", ErrInvalidSignature)
	}

	if err := rsa.VerifyPKCS1v15(pub, hash, digest(hash, env.StringToSign()), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func digest(hash crypto.Hash, s string) []byte {
	if hash == crypto.SHA1 {
		sum := sha1.Sum([]byte(s))
		return sum[:]
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func (v *Verifier) certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	if v.certs != nil {
		cached, err := v.certs.Get(ctx, certURL)
		if err != nil {
			v.logger.Warn("sns certificate cache unavailable", zap.Error(err))
		}
		if cached != nil {
			return parseCertificate(cached)
		}
	}

	data, err := v.fetch(ctx, certURL)
	if err != nil {
		return nil, err
	}
	cert, err := parseCertificate(data)
	if err != nil {
		return nil, err
	}

	if v.certs != nil {
		if err := v.certs.Set(ctx, certURL, data); err != nil {
			v.logger.Warn("failed to cache sns certificate", zap.Error(err))
		}
	}
	return cert, nil
}

func (v *Verifier) fetch(ctx context.Context, certURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build certificate request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sns certificate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sns certificate: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64*1024))
}

func parseCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: certificate is not pem", ErrInvalidSignature)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return cert, nil
}
