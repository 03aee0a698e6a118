package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/pkg/auth"
	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/metrics"
)

// paginationHeader carries the continuation token on both responses and
// follow-up requests.
const paginationHeader = "paginationToken"

// pageSize used by the paginated listing operations.
const pageSize = 1000

// TokenSource supplies the current bearer token. Satisfied by
// *auth.TokenManager.
type TokenSource interface {
	Current() (auth.Token, error)
	Refresh(ctx context.Context) error
}

// Gateway sends bearer-authenticated requests to the platform REST API
// with retries, timeouts, and pagination.
type Gateway struct {
	cfg    *config.Config
	tokens TokenSource
	httpc  *http.Client
	logger zerolog.Logger
}

// NewGateway creates a REST gateway.
func NewGateway(cfg *config.Config, tokens TokenSource, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		tokens: tokens,
		httpc:  &http.Client{},
		logger: logger,
	}
}

// headers builds the fixed header set. A missing bearer forces a token
// refresh and one rebuild.
func (g *Gateway) headers(ctx context.Context) (http.Header, error) {
	token, err := g.tokens.Current()
	if err != nil {
		if err := g.tokens.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("failed to authorize request: %w", err)
		}
		if token, err = g.tokens.Current(); err != nil {
			return nil, fmt.Errorf("failed to authorize request: %w", err)
		}
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-api-key", g.cfg.XAPIKey)
	h.Set("User-Agent", auth.UserAgent)
	h.Set("Authorization", "Bearer "+token.Bearer)
	return h, nil
}

// do sends one request with the configured timeout and retry budget. The
// platform is idempotent on the mutating operations the client uses, so
// POSTs are retried like GETs.
func (g *Gateway) do(ctx context.Context, operation, method, path string, body []byte, page string) ([]byte, string, error) {
	var respBody []byte
	var nextPage string

	attempt := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, g.cfg.APIRequestTimeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, g.cfg.RestBaseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		headers, err := g.headers(reqCtx)
		if err != nil {
			return err
		}
		req.Header = headers
		if page != "" {
			req.Header.Set(paginationHeader, page)
		}

		resp, err := g.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read %s %s response: %w", method, path, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, errorMessage(data))
		}

		respBody = data
		nextPage = resp.Header.Get(paginationHeader)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(g.cfg.APIRequestRetryDelay),
			uint64(g.cfg.APIRequestAttempts-1),
		), ctx)

	err := backoff.Retry(func() error {
		if err := attempt(); err != nil {
			if !isPermanent(err) {
				g.logger.Warn().Err(err).Str("operation", operation).Msg("api request retrying")
			}
			return err
		}
		return nil
	}, policy)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(operation, "failure").Inc()
		return nil, "", err
	}

	metrics.APIRequestsTotal.WithLabelValues(operation, "success").Inc()
	return respBody, nextPage, nil
}

// list fetches every page of a collection, following the pagination token
// until the platform stops returning one.
func (g *Gateway) list(ctx context.Context, operation, path string, out any) error {
	var merged []json.RawMessage
	page := ""
	for {
		body, next, err := g.do(ctx, operation, http.MethodGet, path, nil, page)
		if err != nil {
			return err
		}
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", operation, err)
		}
		merged = append(merged, items...)
		if next == "" {
			break
		}
		page = next
	}

	joined, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to merge %s pages: %w", operation, err)
	}
	return json.Unmarshal(joined, out)
}

// AcceptGroupInvite accepts a pending invite to the group.
func (g *Gateway) AcceptGroupInvite(ctx context.Context, groupID int64) error {
	path := fmt.Sprintf("/groups/invites/%d", groupID)
	_, _, err := g.do(ctx, "accept_group_invite", http.MethodPost, path, nil, "")
	return err
}

// GetGroupInfo fetches the full group descriptor.
func (g *Gateway) GetGroupInfo(ctx context.Context, groupID int64) (*Group, error) {
	body, _, err := g.do(ctx, "get_group_info", http.MethodGet, fmt.Sprintf("/groups/%d", groupID), nil, "")
	if err != nil {
		return nil, err
	}
	var group Group
	if err := json.Unmarshal(body, &group); err != nil {
		return nil, fmt.Errorf("failed to parse group info: %w", err)
	}
	return &group, nil
}

// GetGroupMember fetches one member of a group.
func (g *Gateway) GetGroupMember(ctx context.Context, groupID int64, userID string) (*Member, error) {
	path := fmt.Sprintf("/groups/%d/members/%s", groupID, userID)
	body, _, err := g.do(ctx, "get_group_member", http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	var member Member
	if err := json.Unmarshal(body, &member); err != nil {
		return nil, fmt.Errorf("failed to parse group member: %w", err)
	}
	return &member, nil
}

// ListJoinedGroups fetches every group the principal belongs to.
func (g *Gateway) ListJoinedGroups(ctx context.Context) ([]JoinedGroup, error) {
	var joined []JoinedGroup
	path := fmt.Sprintf("/groups/joined?limit=%d", pageSize)
	if err := g.list(ctx, "list_joined_groups", path, &joined); err != nil {
		return nil, err
	}
	return joined, nil
}

// ListPendingGroupInvites fetches every open invite for the principal.
func (g *Gateway) ListPendingGroupInvites(ctx context.Context) ([]Invite, error) {
	var invites []Invite
	path := fmt.Sprintf("/groups/invites?limit=%d", pageSize)
	if err := g.list(ctx, "list_pending_group_invites", path, &invites); err != nil {
		return nil, err
	}
	return invites, nil
}

// GetServerInfo fetches the server descriptor.
func (g *Gateway) GetServerInfo(ctx context.Context, serverID int64) (*ServerStatus, error) {
	body, _, err := g.do(ctx, "get_server_info", http.MethodGet, fmt.Sprintf("/servers/%d", serverID), nil, "")
	if err != nil {
		return nil, err
	}
	var status ServerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse server info: %w", err)
	}
	return &status, nil
}

// GetServerConnectionDetails requests a one-shot console connection token
// for the server.
func (g *Gateway) GetServerConnectionDetails(ctx context.Context, serverID int64) (*ConnectionDetails, error) {
	payload := []byte(`{"should_launch":false,"ignore_offline":false}`)
	path := fmt.Sprintf("/servers/%d/console", serverID)
	body, _, err := g.do(ctx, "get_server_connection_details", http.MethodPost, path, payload, "")
	if err != nil {
		return nil, err
	}
	var details ConnectionDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("failed to parse connection details: %w", err)
	}
	return &details, nil
}

// errorMessage extracts the platform's message field, else returns the
// stringified body.
func errorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

func isPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}
