package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPClient talks to a homeserver's client-server API with bearer-token
// auth. The zero value is not usable; construct with NewHTTPClient.
type HTTPClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

// NewHTTPClient returns a Client for the homeserver at baseURL. If
// httpClient is nil, http.DefaultClient is used; timeouts and retries are
// the caller's concern, configured on the *http.Client they pass in.
func NewHTTPClient(baseURL, accessToken string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		client:      httpClient,
	}
}

const apiPrefix = "/_matrix/client/v3"

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %v", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		terr := &Error{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, terr); err != nil || terr.Code == "" {
			terr.Code = "M_UNKNOWN"
			terr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, terr
	}
	return respBody, nil
}

func (c *HTTPClient) KeysUpload(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/keys/upload", nil, body)
}

func (c *HTTPClient) KeysQuery(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/keys/query", nil, body)
}

func (c *HTTPClient) KeysClaim(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/keys/claim", nil, body)
}

func (c *HTTPClient) SendToDevice(ctx context.Context, eventType, txnID string, body json.RawMessage) (json.RawMessage, error) {
	path := fmt.Sprintf("/sendToDevice/%s/%s", url.PathEscape(eventType), url.PathEscape(txnID))
	return c.do(ctx, http.MethodPut, path, nil, body)
}

func (c *HTTPClient) GetKeyBackupVersion(ctx context.Context) (*KeyBackupVersion, error) {
	raw, err := c.do(ctx, http.MethodGet, "/room_keys/version", nil, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var v KeyBackupVersion
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal backup version: %v", err)
	}
	return &v, nil
}

func (c *HTTPClient) CreateKeyBackupVersion(ctx context.Context, algorithm string, authData map[string]interface{}) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/room_keys/version", nil, map[string]interface{}{
		"algorithm": algorithm,
		"auth_data": authData,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unmarshal create backup response: %v", err)
	}
	return resp.Version, nil
}

func (c *HTTPClient) PutRoomKeys(ctx context.Context, version string, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/room_keys/keys", url.Values{"version": []string{version}}, body)
}

func (c *HTTPClient) Members(ctx context.Context, roomID string, memberships []string) ([]string, error) {
	path := fmt.Sprintf("/rooms/%s/members", url.PathEscape(roomID))
	query := url.Values{}
	for _, m := range memberships {
		query.Add("membership", m)
	}
	raw, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Chunk []struct {
			StateKey string `json:"state_key"`
		} `json:"chunk"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal members: %v", err)
	}
	users := make([]string, 0, len(resp.Chunk))
	for _, ev := range resp.Chunk {
		users = append(users, ev.StateKey)
	}
	return users, nil
}

func (c *HTTPClient) RoomState(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/rooms/%s/state/%s/%s", url.PathEscape(roomID), url.PathEscape(eventType), url.PathEscape(stateKey))
	raw, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}

var _ Client = (*HTTPClient)(nil)
