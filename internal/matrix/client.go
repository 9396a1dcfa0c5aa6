package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ErrRequestFailed wraps non-2xx responses from the homeserver.
var ErrRequestFailed = errors.New("matrix: request failed")

// ClientConfig configures the appservice client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the homeserver, e.g. "http://localhost:8008".
	HomeserverURL string
	// AccessToken is the appservice token used for impersonated requests.
	AccessToken string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks the homeserver's client-server API with appservice
// credentials and hands out per-user intents.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	log         *zap.Logger
}

// NewClient validates the configuration and builds the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix: homeserver URL required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver URL %q: %w", cfg.HomeserverURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.HomeserverURL, "/"),
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		log:         logger,
	}, nil
}

// Intent returns a handle that acts as the given proxy user. Implements
// IntentProvider.
func (c *Client) Intent(user UserID) Intent {
	return &clientIntent{client: c, userID: user}
}

// Whoami validates an access token against its homeserver and returns the
// owning user id. Implements Authenticator. An empty baseURL falls back to
// the client's own homeserver.
func (c *Client) Whoami(ctx context.Context, baseURL, accessToken string) (UserID, error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = c.baseURL
	}
	var response struct {
		UserID string `json:"user_id"`
	}
	err := c.request(ctx, http.MethodGet, base+"/_matrix/client/v3/account/whoami", accessToken, nil, nil, &response)
	if err != nil {
		return "", err
	}
	return UserID(response.UserID), nil
}

type clientIntent struct {
	client *Client
	userID UserID
}

func (i *clientIntent) UserID() UserID {
	return i.userID
}

func (i *clientIntent) EnsureRegistered(ctx context.Context) error {
	localpart, _, ok := strings.Cut(strings.TrimPrefix(string(i.userID), "@"), ":")
	if !ok {
		return fmt.Errorf("matrix: malformed user id %q", i.userID)
	}
	payload := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	err := i.client.request(ctx, http.MethodPost,
		i.client.baseURL+"/_matrix/client/v3/register",
		i.client.accessToken, nil, payload, nil)
	// The account existing already satisfies the caller.
	if err != nil && strings.Contains(err.Error(), "M_USER_IN_USE") {
		return nil
	}
	return err
}

func (i *clientIntent) SetDisplayname(ctx context.Context, name string) error {
	path := i.client.baseURL + "/_matrix/client/v3/profile/" + url.PathEscape(string(i.userID)) + "/displayname"
	return i.client.request(ctx, http.MethodPut, path, i.client.accessToken,
		i.impersonation(), map[string]any{"displayname": name}, nil)
}

func (i *clientIntent) SetAvatarURL(ctx context.Context, uri ContentURI) error {
	path := i.client.baseURL + "/_matrix/client/v3/profile/" + url.PathEscape(string(i.userID)) + "/avatar_url"
	return i.client.request(ctx, http.MethodPut, path, i.client.accessToken,
		i.impersonation(), map[string]any{"avatar_url": string(uri)}, nil)
}

// impersonation is the appservice user_id query parameter.
func (i *clientIntent) impersonation() url.Values {
	return url.Values{"user_id": []string{string(i.userID)}}
}

func (c *Client) request(ctx context.Context, method, rawURL, accessToken string, query url.Values, payload, response any) error {
	if len(query) > 0 {
		rawURL = rawURL + "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("matrix: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	result, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer result.Body.Close()

	data, err := io.ReadAll(io.LimitReader(result.Body, 1<<20))
	if err != nil {
		return err
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: %s: %s", ErrRequestFailed, method, request.URL.Path, result.Status, strings.TrimSpace(string(data)))
	}
	if response != nil {
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("matrix: decode response: %w", err)
		}
	}
	return nil
}
