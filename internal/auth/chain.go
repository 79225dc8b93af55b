package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/identity"
)

// verifyServer checks the server's signature over lower(agent_id +
// request_id) with its presented certificate, then validates the
// certificate chain.
func (c *Client) verifyServer(ctx context.Context, certPEM, sigHex, requestID string) error {
	cert, err := parseCertPEM([]byte(certPEM))
	if err != nil {
		return fmt.Errorf("%w: parse server cert: %v", ErrBadServerCert, err)
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: server cert key is not ECDSA", ErrBadServerCert)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrBadServerCert)
	}
	digest := sha256.Sum256([]byte(strings.ToLower(c.agentID + requestID)))
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return fmt.Errorf("%w: server signature mismatch", ErrBadServerCert)
	}

	if err := c.verifyChain(ctx, cert); err != nil {
		return err
	}
	log.Debug().Str("subject", cert.Subject.CommonName).Msg("server certificate verified")
	return nil
}

// verifyChain walks the Authority-Information-Access issuer links upward,
// verifying each certificate against its issuer's public key. A certificate
// without an AIA issuer is checked against the pinned CA root. Issuer URLs
// that verified once are cached process-wide.
func (c *Client) verifyChain(ctx context.Context, cert *x509.Certificate) error {
	issuerURL := caIssuerURL(cert)
	if issuerURL == "" {
		return c.verifyAgainstRoot(cert)
	}

	if _, ok := verifiedIssuers.Load(issuerURL); ok {
		return nil
	}

	issuer, err := c.fetchIssuer(ctx, issuerURL)
	if err != nil {
		return fmt.Errorf("%w: fetch issuer %s: %v", ErrBadServerCert, issuerURL, err)
	}
	if err := cert.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("%w: issuer signature check: %v", ErrBadServerCert, err)
	}
	if err := c.verifyChain(ctx, issuer); err != nil {
		return err
	}
	verifiedIssuers.Store(issuerURL, struct{}{})
	return nil
}

func (c *Client) verifyAgainstRoot(cert *x509.Certificate) error {
	root, err := identity.LoadCertificate(c.layout.RootCertPath())
	if err != nil {
		return fmt.Errorf("%w: load pinned root: %v", ErrBadServerCert, err)
	}
	// Self-signed root terminates the walk.
	if cert.Equal(root) {
		return nil
	}
	if err := cert.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("%w: root signature check: %v", ErrBadServerCert, err)
	}
	return nil
}

func (c *Client) fetchIssuer(ctx context.Context, issuerURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuerURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseCertPEM(raw)
}

// caIssuerURL extracts the CA-issuer URL from the AIA extension, if any.
func caIssuerURL(cert *x509.Certificate) string {
	if len(cert.IssuingCertificateURL) > 0 {
		return cert.IssuingCertificateURL[0]
	}
	return ""
}

func parseCertPEM(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		// Some issuers serve raw DER.
		return x509.ParseCertificate(raw)
	}
	return x509.ParseCertificate(block.Bytes)
}
