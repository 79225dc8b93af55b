// Package auth implements the HTTP control-plane client: challenge/response
// sign-in with server certificate verification, sign-out, and online-state
// queries. The signature token it obtains authenticates every subsequent
// transport against the same server.
package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentunion/agentcp-go/internal/identity"
)

const (
	// httpConnectTimeout / httpTotalTimeout match the control plane's
	// expectations: slow servers are treated as down.
	httpConnectTimeout = 3 * time.Second
	httpTotalTimeout   = 10 * time.Second

	sdkVersion = "0.1.0"
)

var (
	// ErrSignInFailed is returned when sign-in exhausts its retries.
	ErrSignInFailed = errors.New("auth: sign in failed")
	// ErrBadServerCert is a fatal failure of the server's signature or
	// certificate chain.
	ErrBadServerCert = errors.New("auth: server certificate verification failed")
	// ErrBadCredentials is a fatal failure to load or use the agent's key.
	ErrBadCredentials = errors.New("auth: bad credentials")
)

// verifiedIssuers caches issuer URLs whose chains already verified, so
// repeated sign-ins across clients skip the downloads.
var verifiedIssuers sync.Map

// SignInResult carries the runtime credential and the endpoints returned by
// a successful sign-in.
type SignInResult struct {
	Signature       string `json:"signature"`
	ServerIP        string `json:"server_ip"`
	Port            int    `json:"port"`
	SignCookie      uint64 `json:"sign_cookie"`
	MessageServer   string `json:"message_server"`
	HeartbeatServer string `json:"heartbeat_server"`
}

// Client signs one identity in against one server.
type Client struct {
	serverURL string
	agentID   string
	layout    identity.Layout
	seedPass  string

	httpClient *http.Client

	mu        sync.Mutex
	signature string
	key       *ecdsa.PrivateKey
}

// NewClient creates an auth client for the identity against serverURL.
// proxyFunc may be nil for direct connections.
func NewClient(agentID, serverURL string, layout identity.Layout, seedPass string, proxyFunc func(*http.Request) (*url.URL, error)) *Client {
	transport := &http.Transport{
		Proxy:               proxyFunc,
		TLSHandshakeTimeout: httpConnectTimeout,
	}
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		agentID:   agentID,
		layout:    layout,
		seedPass:  seedPass,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   httpTotalTimeout,
		},
	}
}

// Signature returns the current runtime token (empty before sign-in).
func (c *Client) Signature() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signature
}

// ServerURL returns the server this client authenticates against.
func (c *Client) ServerURL() string {
	return c.serverURL
}

// SignIn runs the two-phase challenge/response flow, retrying transient
// failures with linear backoff capped at 30 s. Credential and chain
// failures abort immediately.
func (c *Client) SignIn(ctx context.Context, maxRetries int) (*SignInResult, error) {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(2*attempt) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			log.Info().Str("agent_id", c.agentID).Int("retry", attempt).
				Dur("backoff", backoff).Msg("sign in retry")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := c.signInOnce(ctx)
		if err == nil {
			c.mu.Lock()
			c.signature = result.Signature
			c.mu.Unlock()
			log.Info().Str("agent_id", c.agentID).Msg("sign in successful")
			return result, nil
		}
		if errors.Is(err, ErrBadServerCert) || errors.Is(err, ErrBadCredentials) {
			return nil, err
		}
		lastErr = err
		log.Warn().Err(err).Str("agent_id", c.agentID).Int("retry", attempt).Msg("sign in attempt failed")
	}
	return nil, fmt.Errorf("%w after %d retries: %v", ErrSignInFailed, maxRetries, lastErr)
}

func (c *Client) signInOnce(ctx context.Context) (*SignInResult, error) {
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")

	var phase1 struct {
		Nonce     string `json:"nonce"`
		Cert      string `json:"cert"`
		Signature string `json:"signature"`
	}
	if err := c.post(ctx, "/sign_in", map[string]string{
		"agent_id":   c.agentID,
		"request_id": requestID,
	}, &phase1); err != nil {
		return nil, err
	}
	if phase1.Nonce == "" {
		return nil, fmt.Errorf("sign_in response missing nonce")
	}

	// When the server presents a certificate, its signature over
	// lower(agent_id + request_id) and its chain must both verify.
	if phase1.Cert != "" && phase1.Signature != "" {
		if err := c.verifyServer(ctx, phase1.Cert, phase1.Signature, requestID); err != nil {
			return nil, err
		}
	}

	key, err := c.privateKey()
	if err != nil {
		return nil, err
	}
	certPEM, err := identity.LoadCertificatePEM(c.layout.CertPath(c.agentID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	cert, err := identity.LoadCertificate(c.layout.CertPath(c.agentID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	digest := sha256.Sum256([]byte(phase1.Nonce))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: sign nonce: %v", ErrBadCredentials, err)
	}

	var result SignInResult
	if err := c.post(ctx, "/sign_in", map[string]string{
		"agent_id":   c.agentID,
		"request_id": requestID,
		"nonce":      phase1.Nonce,
		"public_key": string(pubPEM),
		"cert":       certPEM,
		"signature":  hex.EncodeToString(sig),
	}, &result); err != nil {
		return nil, err
	}
	if result.Signature == "" {
		return nil, fmt.Errorf("sign_in confirmation missing signature token")
	}
	return &result, nil
}

// SignOut releases the server-side session. Best-effort: failures are
// logged, not returned.
func (c *Client) SignOut(ctx context.Context) {
	sig := c.Signature()
	if sig == "" {
		return
	}
	err := c.post(ctx, "/sign_out", map[string]string{
		"agent_id":  c.agentID,
		"signature": sig,
	}, nil)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", c.agentID).Msg("sign out failed")
		return
	}
	c.mu.Lock()
	c.signature = ""
	c.mu.Unlock()
	log.Info().Str("agent_id", c.agentID).Msg("sign out ok")
}

// OnlineState is one entry of a query_online_state response.
type OnlineState struct {
	AgentID string `json:"agent_id"`
	Online  bool   `json:"online"`
}

// QueryOnlineState asks the server which of the given agents are online.
func (c *Client) QueryOnlineState(ctx context.Context, agents []string) ([]OnlineState, error) {
	var resp struct {
		Data []OnlineState `json:"data"`
	}
	err := c.post(ctx, "/query_online_state", map[string]string{
		"agent_id":  c.agentID,
		"signature": c.Signature(),
		"agents":    strings.Join(agents, ";"),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) privateKey() (*ecdsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}
	key, err := identity.LoadPrivateKey(c.layout.KeyPath(c.agentID), c.seedPass)
	if err != nil {
		return nil, fmt.Errorf("%w: load private key: %v", ErrBadCredentials, err)
	}
	c.key = key
	return key, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]string, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("AgentCP/%s (AuthClient; %s)", sdkVersion, c.agentID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
