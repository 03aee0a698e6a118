package auth

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/metrics"
)

// UserAgent identifies the client to the platform.
const UserAgent = "fleetlink/1.0.0"

// RetryDelay is the fixed delay between failed authentication attempts.
// Authentication failures never terminate the client; it keeps retrying
// through platform outages.
const RetryDelay = 10 * time.Second

// refreshFraction of the remaining token lifetime after which the next
// refresh is scheduled. Always strictly before expiry.
const refreshFraction = 0.9

// Principal classifies the token subject.
type Principal int

const (
	PrincipalUnknown Principal = iota
	PrincipalBot
	PrincipalUser
)

func (p Principal) String() string {
	switch p {
	case PrincipalBot:
		return "bot"
	case PrincipalUser:
		return "user"
	default:
		return "unknown"
	}
}

// Claims are the decoded JWT claims the client cares about. The platform
// is trusted, so tokens are decoded without signature verification.
type Claims struct {
	NotBefore time.Time
	Expiry    time.Time
	Audience  []string
	ClientSub string
	UserID    string
	Role      string
}

// Principal returns the principal classification of the claims.
func (c Claims) Principal() Principal {
	switch {
	case c.ClientSub != "":
		return PrincipalBot
	case c.UserID != "":
		return PrincipalUser
	default:
		return PrincipalUnknown
	}
}

// PrincipalID returns the subject identifier: bot client_sub or user id.
func (c Claims) PrincipalID() string {
	if c.ClientSub != "" {
		return c.ClientSub
	}
	return c.UserID
}

// Token is the current bearer plus its decoded claims.
type Token struct {
	Bearer string
	Claims Claims
}

// HashPassword returns the lowercase SHA-512 hex digest of password. A
// value that already matches the digest shape is returned unchanged, so
// hashing is idempotent.
func HashPassword(password string) string {
	if config.IsHashedPassword(password) {
		return strings.ToLower(password)
	}
	sum := sha512.Sum512([]byte(password))
	return hex.EncodeToString(sum[:])
}

// TokenManager obtains and refreshes the access token. It is the only
// writer of the current token; the REST gateway and every account socket
// read it through Current.
type TokenManager struct {
	cfg    *config.Config
	httpc  *http.Client
	clock  clockwork.Clock
	logger zerolog.Logger

	// refreshMu serialises refreshes without holding up token reads.
	refreshMu sync.Mutex

	mu     sync.Mutex
	token  *Token
	timer  clockwork.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTokenManager creates a token manager. No network activity happens
// until Start.
func NewTokenManager(cfg *config.Config, clock clockwork.Clock, logger zerolog.Logger) *TokenManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &TokenManager{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.APIRequestTimeout},
		clock:  clock,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start performs the initial refresh, retrying every RetryDelay until it
// succeeds or ctx is cancelled.
func (tm *TokenManager) Start(ctx context.Context) error {
	return tm.refreshUntilSuccess(ctx)
}

// Stop cancels the refresh timer and any in-flight retry loop.
func (tm *TokenManager) Stop() {
	tm.cancel()
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.timer != nil {
		tm.timer.Stop()
		tm.timer = nil
	}
}

// Current returns the active token.
func (tm *TokenManager) Current() (Token, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.token == nil {
		return Token{}, fmt.Errorf("no access token available")
	}
	return *tm.token, nil
}

// Refresh forces a token refresh. Refreshes are serialised on their own
// lock; the token round-trip never blocks Current.
func (tm *TokenManager) Refresh(ctx context.Context) error {
	tm.refreshMu.Lock()
	defer tm.refreshMu.Unlock()

	bearer, err := tm.authenticate(ctx)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		return err
	}

	claims, err := DecodeClaims(bearer)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to decode access token: %w", err)
	}

	tm.mu.Lock()
	tm.token = &Token{Bearer: bearer, Claims: claims}
	tm.scheduleLocked(claims.Expiry)
	tm.mu.Unlock()

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()

	tm.logger.Info().
		Str("principal", claims.Principal().String()).
		Time("expiry", claims.Expiry).
		Msg("access token refreshed")
	return nil
}

// scheduleLocked arms the next refresh at 90% of the remaining lifetime,
// cancelling any prior timer. Callers hold tm.mu.
func (tm *TokenManager) scheduleLocked(expiry time.Time) {
	if tm.timer != nil {
		tm.timer.Stop()
	}
	delay := time.Duration(refreshFraction * float64(expiry.Sub(tm.clock.Now())))
	if delay < 0 {
		delay = 0
	}
	tm.timer = tm.clock.AfterFunc(delay, func() {
		if err := tm.refreshUntilSuccess(tm.ctx); err != nil {
			tm.logger.Error().Err(err).Msg("scheduled token refresh abandoned")
		}
	})
}

func (tm *TokenManager) refreshUntilSuccess(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(RetryDelay), ctx)
	return backoff.Retry(func() error {
		if err := tm.Refresh(ctx); err != nil {
			tm.logger.Error().Err(err).
				Dur("retry_in", RetryDelay).
				Msg("token refresh failed")
			return err
		}
		return nil
	}, policy)
}

// authenticate sends the credentials-specific token request and returns
// the raw bearer. Callers hold tm.mu.
func (tm *TokenManager) authenticate(ctx context.Context) (string, error) {
	var req *http.Request
	var err error
	if tm.cfg.Credentials.IsBot() {
		req, err = tm.botRequest(ctx)
	} else {
		req, err = tm.userRequest(ctx)
	}
	if err != nil {
		return "", err
	}

	resp, err := tm.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return payload.AccessToken, nil
}

func (tm *TokenManager) botRequest(ctx context.Context) (*http.Request, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tm.cfg.Credentials.ClientID},
		"client_secret": {tm.cfg.Credentials.ClientSecret},
		"scope":         {strings.Join(tm.cfg.Credentials.Scopes, " ")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", UserAgent)
	return req, nil
}

func (tm *TokenManager) userRequest(ctx context.Context) (*http.Request, error) {
	body, err := json.Marshal(map[string]string{
		"username":      tm.cfg.Credentials.Username,
		"password_hash": HashPassword(tm.cfg.Credentials.Password),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.cfg.TokenURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", tm.cfg.XAPIKey)
	req.Header.Set("User-Agent", UserAgent)
	return req, nil
}

// DecodeClaims decodes the JWT payload without verifying the signature.
func DecodeClaims(bearer string) (Claims, error) {
	var wire struct {
		ClientSub string `json:"client_sub"`
		UserID    string `json:"UserId"`
		Role      string `json:"role"`
		jwt.RegisteredClaims
	}
	if _, _, err := jwt.NewParser().ParseUnverified(bearer, &wire); err != nil {
		return Claims{}, err
	}

	claims := Claims{
		ClientSub: wire.ClientSub,
		UserID:    wire.UserID,
		Role:      wire.Role,
		Audience:  wire.Audience,
	}
	if wire.ExpiresAt != nil {
		claims.Expiry = wire.ExpiresAt.Time
	}
	if wire.NotBefore != nil {
		claims.NotBefore = wire.NotBefore.Time
	}
	return claims, nil
}
