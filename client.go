// Package relaychat provides the Go client SDK for the RelayChat messaging
// platform.
//
// The package has two layers. Client is the thin HTTP transport for the
// platform's endpoints (conversation history, multipart send, shared pull
// feed, contacts, group info). Session is the conversation synchronization
// core on top of it: it owns one conversation view's state and keeps it
// consistent across history loads, optimistic sends, and polled or pushed
// inbound messages.
//
// Example:
//
//	client := relaychat.NewClient(token)
//	sess := relaychat.NewSession(client, "u1", "Ada")
//	sess.Select(ctx, relaychat.Selection{Contact: &contact})
//
//	sess.SetDraft("hello")
//	sess.Send(ctx, nil)
//
//	poller := relaychat.NewPoller(sess)
//	poller.Start()
//	defer poller.Stop()
package relaychat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL  = "https://api.relaychat.dev"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 50
)

// Transport is the collaborator surface the Session consumes. Client is the
// production implementation; tests substitute fakes.
type Transport interface {
	History(ctx context.Context, key ConversationKey, userID string, page, pageSize int) ([]WireMessage, error)
	Send(ctx context.Context, req SendRequest, files []LocalFile) (*SendResult, error)
	Pull(ctx context.Context, limit int, groupIDs []string) ([]WireInbound, error)
	GroupInfo(ctx context.Context, groupID, userID string) (*GroupInfo, error)
}

// Client is the HTTP transport for the RelayChat platform API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var _ Transport = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new RelayChat client authenticated with the given
// bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doJSON(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversation history
// ============================================================================

// History fetches one page of persisted messages for a conversation,
// oldest first.
func (c *Client) History(ctx context.Context, key ConversationKey, userID string, page, pageSize int) ([]WireMessage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	path := "/conversation/" + url.PathEscape(string(key)) + "/history"
	data, err := c.doJSON(ctx, "POST", path, historyRequest{
		UserID:   userID,
		Page:     page,
		PageSize: pageSize,
	}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[historyResponse](data)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, fmt.Errorf("history fetch was not successful")
	}
	return resp.Data.Messages, nil
}

// ============================================================================
// Send (multipart)
// ============================================================================

// Send submits a message, with optional file attachments, as a multipart
// request: a "request" JSON field followed by one "files" part per file.
func (c *Client) Send(ctx context.Context, sendReq SendRequest, files []LocalFile) (*SendResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	reqJSON, err := json.Marshal(sendReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}
	if err := w.WriteField("request", string(reqJSON)); err != nil {
		return nil, fmt.Errorf("failed to write request field: %w", err)
	}

	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messaging/send", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read send response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("send failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	result, err := decodeJSON[SendResult](data)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("send was not successful")
	}
	return result, nil
}

// ============================================================================
// Pull feed
// ============================================================================

// Pull fetches a bounded batch of new inbound messages from the shared pull
// feed. The feed is not conversation-scoped; groupIDs optionally narrows it
// to the caller's groups.
func (c *Client) Pull(ctx context.Context, limit int, groupIDs []string) ([]WireInbound, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	data, err := c.doJSON(ctx, "POST", "/messaging/pull", pullRequest{
		Limit:    limit,
		GroupIDs: groupIDs,
	}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[pullResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Data.Messages, nil
}

// ============================================================================
// Directory
// ============================================================================

// Contacts lists the current user's contacts.
func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	return c.fetchContacts(ctx, "/contacts")
}

// AllContacts lists every contact visible to the current user, including
// directory entries that have not been messaged yet.
func (c *Client) AllContacts(ctx context.Context) ([]Contact, error) {
	return c.fetchContacts(ctx, "/contacts/all")
}

func (c *Client) fetchContacts(ctx context.Context, path string) ([]Contact, error) {
	data, err := c.doJSON(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	var contacts []Contact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contacts: %w", err)
	}
	return contacts, nil
}

// GroupInfo fetches the membership and display detail of one group.
func (c *Client) GroupInfo(ctx context.Context, groupID, userID string) (*GroupInfo, error) {
	data, err := c.doJSON(ctx, "GET", "/UserGroups/"+url.PathEscape(groupID), nil, map[string]string{
		"userId": userID,
	})
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[groupInfoResponse](data)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, fmt.Errorf("group info fetch was not successful")
	}
	return &resp.Data, nil
}
