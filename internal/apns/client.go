// Package apns is the production push gateway: it delivers notifications
// to Apple's push service over HTTP/2 using token-based (p8 key)
// authentication.
package apns

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/net/http2"

	"github.com/sandwichfarm/nopush/internal/config"
	"github.com/sandwichfarm/nopush/internal/dispatch"
	"github.com/sandwichfarm/nopush/internal/ops"
)

// providerTokenLifetime is how long one signed provider token is reused.
// Apple rejects tokens older than an hour; refreshing at 50 minutes stays
// clear of the limit.
const providerTokenLifetime = 50 * time.Minute

// maxDeliveryRetries bounds retries of transient (network / 5xx) failures
// within one Deliver call.
const maxDeliveryRetries = 2

// Client delivers notifications via APNs. It implements dispatch.PushGateway.
type Client struct {
	endpoint string
	topic    string
	logger   *ops.Logger

	httpClient    *http.Client
	tokens        *tokenProvider
	retryInterval time.Duration
}

// NewClient loads the signing key and prepares the HTTP/2 connection.
func NewClient(cfg *config.APNS, logger *ops.Logger) (*Client, error) {
	if err := config.ValidateAPNS(cfg); err != nil {
		return nil, err
	}

	pemBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNs key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs key: %w", err)
	}

	// APNs requires HTTP/2.
	transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			dialer := &tls.Dialer{Config: tlsCfg}
			return dialer.DialContext(ctx, network, addr)
		},
	}

	return &Client{
		endpoint: cfg.Endpoint,
		topic:    cfg.Topic,
		logger:   logger.WithComponent("apns"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
		tokens:        newTokenProvider(key, cfg.KeyID, cfg.TeamID),
		retryInterval: 250 * time.Millisecond,
	}, nil
}

// Deliver sends one notification to one device token. Transient failures
// (network errors, 5xx) are retried a bounded number of times inside the
// caller's deadline; anything else fails immediately with the APNs reason.
func (c *Client) Deliver(ctx context.Context, deviceToken string, n dispatch.Notification) error {
	body, err := json.Marshal(newPayload(n))
	if err != nil {
		return fmt.Errorf("failed to encode notification payload: %w", err)
	}

	operation := func() error {
		return c.send(ctx, deviceToken, body)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxDeliveryRetries), ctx))
}

func (c *Client) send(ctx context.Context, deviceToken string, body []byte) error {
	bearer, err := c.tokens.bearer(time.Now())
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to sign provider token: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/3/device/"+deviceToken, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", c.topic)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failure, worth retrying.
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	reason := apnsReason(resp.Body)
	deliveryErr := fmt.Errorf("apns: status %d: %s", resp.StatusCode, reason)
	if resp.StatusCode >= 500 {
		c.logger.Debug("transient apns failure, will retry",
			"device_token", deviceToken,
			"status", resp.StatusCode,
			"reason", reason)
		return deliveryErr
	}
	return backoff.Permanent(deliveryErr)
}

func apnsReason(body io.Reader) string {
	var response struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(body).Decode(&response); err != nil || response.Reason == "" {
		return "unknown"
	}
	return response.Reason
}

// payload is the APNs request body: a standard aps dictionary plus the
// full event under nostr_event for client-side deep-linking.
type payload struct {
	APS        apsDict      `json:"aps"`
	NostrEvent *nostr.Event `json:"nostr_event"`
}

type apsDict struct {
	Alert            apsAlert `json:"alert"`
	MutableContent   int      `json:"mutable-content"`
	ContentAvailable int      `json:"content-available"`
}

type apsAlert struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Body     string `json:"body"`
}

func newPayload(n dispatch.Notification) payload {
	return payload{
		APS: apsDict{
			Alert: apsAlert{
				Title:    n.Title,
				Subtitle: n.Subtitle,
				Body:     n.Body,
			},
			MutableContent:   1,
			ContentAvailable: 1,
		},
		NostrEvent: n.Event,
	}
}

// tokenProvider signs and reuses APNs provider tokens (ES256 JWT with the
// key id in the header and the team id as issuer).
type tokenProvider struct {
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

func newTokenProvider(key *ecdsa.PrivateKey, keyID, teamID string) *tokenProvider {
	return &tokenProvider{key: key, keyID: keyID, teamID: teamID}
}

func (p *tokenProvider) bearer(now time.Time) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && now.Sub(p.issuedAt) < providerTokenLifetime {
		return p.token, nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = p.keyID

	signed, err := token.SignedString(p.key)
	if err != nil {
		return "", err
	}

	p.token = signed
	p.issuedAt = now
	return signed, nil
}
