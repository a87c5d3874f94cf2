// Package client talks to the session service from a participant's side:
// the invite API over HTTP and the presence and incoming-call gateways over
// WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/service/invite"
	apperrors "liveroom-backend/pkg/errors"
)

// API calls the session service REST endpoints as one user
type API struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// NewAPI creates an API client. baseURL is the service root, for example
// http://localhost:8080.
func NewAPI(baseURL, accessToken string) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api base url must be http or https, got %q", u.Scheme)
	}
	return &API{
		baseURL:    u,
		token:      accessToken,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends a JSON request and decodes the data field of the response
// envelope into out. Error envelopes come back as AppErrors.
func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		if env.Error == nil {
			return apperrors.NewWithStatus(apperrors.ErrCodeInternal, "request failed", resp.StatusCode)
		}
		return apperrors.NewWithStatus(apperrors.ErrorCode(env.Error.Code), env.Error.Message, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// CreateInvites invites recipients into roomID, or into a new room when
// roomID is empty
func (a *API) CreateInvites(ctx context.Context, recipients []uuid.UUID, roomID domain.SessionID, communityContext, callerName string) (*invite.CreateOutput, error) {
	var out invite.CreateOutput
	err := a.do(ctx, http.MethodPost, "/v1/calls/invites", map[string]any{
		"recipient_ids":   recipients,
		"session_room_id": roomID,
		"context":         communityContext,
		"caller_name":     callerName,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending lists the user's pending invites
func (a *API) Pending(ctx context.Context) ([]*domain.CallInvite, error) {
	var out struct {
		Invites []*domain.CallInvite `json:"invites"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/calls/invites/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Invites, nil
}

// Respond accepts or declines an invite
func (a *API) Respond(ctx context.Context, inviteID uuid.UUID, accept bool) (*invite.RespondOutput, error) {
	var out invite.RespondOutput
	path := "/v1/calls/invites/" + inviteID.String() + "/respond"
	if err := a.do(ctx, http.MethodPost, path, map[string]bool{"accept": accept}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// wsURL maps the API root onto a gateway URL
func (a *API) wsURL(path string, query url.Values) string {
	u := *a.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (a *API) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.token)
	return h
}
