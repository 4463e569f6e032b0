package central

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
	"time"

	"github.com/lognaturel/central-updater/internal/entity"
	"go.uber.org/zap"
)

// watermarkFormat is the timestamp layout Central's OData layer compares
// submission dates against. Millisecond precision matters: the watermark is
// advanced in 1 ms steps past the last processed submission.
const watermarkFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	errMissingBaseURL = errors.New("central: base url is required")
	errMissingProject = errors.New("central: project is required")
	// ErrSessionExpired indicates the server rejected the session token. One
	// re-authentication per run is allowed before this becomes fatal.
	ErrSessionExpired = errors.New("central: session expired")
	// ErrBadCredentials indicates the server rejected the configured web
	// user credentials outright.
	ErrBadCredentials = errors.New("central: credentials rejected")
)

// RequestError reports a request the server answered with a non-success
// status. Fetch and upload failures are fatal to a run: the checkpoint stays
// put and the next invocation retries the same batch.
type RequestError struct {
	Operation  string
	URL        string
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("central: %s failed with status %d (%s)", e.Operation, e.StatusCode, e.URL)
}

// Credentials identify the Web User the updater acts as.
type Credentials struct {
	Email    string
	Password string
}

// ClientConfig configures the Central API client.
type ClientConfig struct {
	BaseURL    string
	Project    string
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Client talks to an ODK Central server: session management, OData
// submission queries, and form attachment download/upload.
type Client struct {
	baseURL    string
	project    string
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.Project) == "" {
		return nil, errMissingProject
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		project:    cfg.Project,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Authenticate opens a new session and returns its token.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	body, err := json.Marshal(map[string]string{
		"email":    creds.Email,
		"password": creds.Password,
	})
	if err != nil {
		return "", err
	}

	sessionURL := c.baseURL + "/v1/sessions"
	response, err := c.send(ctx, http.MethodPost, sessionURL, "", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: %s", ErrBadCredentials, creds.Email)
	}
	if response.StatusCode != http.StatusOK {
		return "", &RequestError{Operation: "authenticate", URL: sessionURL, StatusCode: response.StatusCode}
	}

	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("central: session response unreadable: %w", err)
	}
	if session.Token == "" {
		return "", fmt.Errorf("central: session response carried no token")
	}

	c.logger.Info("new session opened")
	return session.Token, nil
}

// VerifyToken probes whether a cached session token is still accepted,
// returning ErrSessionExpired when it is not.
func (c *Client) VerifyToken(ctx context.Context, token string) error {
	userURL := c.baseURL + "/v1/users/current"
	response, err := c.send(ctx, http.MethodGet, userURL, token, "", nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return ErrSessionExpired
	}
	if response.StatusCode != http.StatusOK {
		return &RequestError{Operation: "verify token", URL: userURL, StatusCode: response.StatusCode}
	}
	return nil
}

// FetchSubmissions returns every non-rejected submission to the form with a
// submission date strictly after since, flattened into slash-keyed records
// in server order.
func (c *Client) FetchSubmissions(ctx context.Context, token, formID string, since time.Time) ([]entity.Record, error) {
	filter := fmt.Sprintf(
		"__system/submissionDate gt %s and __system/reviewState ne 'rejected'",
		since.UTC().Format(watermarkFormat),
	)
	query := url.Values{}
	query.Set("$filter", filter)
	submissionsURL := fmt.Sprintf(
		"%s/v1/projects/%s/forms/%s.svc/Submissions?%s",
		c.baseURL, url.PathEscape(c.project), url.PathEscape(formID), query.Encode(),
	)

	response, err := c.send(ctx, http.MethodGet, submissionsURL, token, "", nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("fetch submissions for %q: %w", formID, ErrSessionExpired)
	}
	if response.StatusCode != http.StatusOK {
		return nil, &RequestError{Operation: "fetch submissions", URL: submissionsURL, StatusCode: response.StatusCode}
	}

	records, err := decodeSubmissions(response.Body)
	if err != nil {
		return nil, fmt.Errorf("central: submissions for %q unreadable: %w", formID, err)
	}

	c.logger.Debug("submissions fetched",
		zap.String("form_id", formID),
		zap.Int("count", len(records)))
	return records, nil
}

// FetchEntityTable downloads the CSV attachment from the form and parses it
// into an entity table keyed by keyColumn.
func (c *Client) FetchEntityTable(ctx context.Context, token, formID, filename, keyColumn string) (*entity.Table, error) {
	attachmentURL := fmt.Sprintf(
		"%s/v1/projects/%s/forms/%s/attachments/%s",
		c.baseURL, url.PathEscape(c.project), url.PathEscape(formID), url.PathEscape(filename),
	)

	response, err := c.send(ctx, http.MethodGet, attachmentURL, token, "", nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("fetch entity table from %q: %w", formID, ErrSessionExpired)
	}
	if response.StatusCode != http.StatusOK {
		return nil, &RequestError{Operation: "fetch entity table", URL: attachmentURL, StatusCode: response.StatusCode}
	}

	table, err := DecodeTable(response.Body, keyColumn)
	if err != nil {
		return nil, fmt.Errorf("central: entity table %q unreadable: %w", filename, err)
	}
	return table, nil
}

// UploadEntityTable pushes the merged table to the form as a draft
// attachment and publishes the draft. The three steps are sequential; any
// failure leaves the run unable to advance its checkpoint.
func (c *Client) UploadEntityTable(ctx context.Context, token, formID, filename string, table *entity.Table) error {
	csvBody, err := EncodeTable(table)
	if err != nil {
		return fmt.Errorf("central: entity table %q unencodable: %w", filename, err)
	}

	draftURL := fmt.Sprintf(
		"%s/v1/projects/%s/forms/%s/draft",
		c.baseURL, url.PathEscape(c.project), url.PathEscape(formID),
	)
	if err := c.post(ctx, "create draft", draftURL, token, "", nil); err != nil {
		return err
	}

	attachmentURL := draftURL + "/attachments/" + url.PathEscape(filename)
	if err := c.post(ctx, "upload attachment", attachmentURL, token, "text/csv", bytes.NewReader(csvBody)); err != nil {
		return err
	}

	publishURL := draftURL + "/publish?version=" + url.QueryEscape(c.clock().UTC().Format(time.RFC3339Nano))
	if err := c.post(ctx, "publish draft", publishURL, token, "", nil); err != nil {
		return err
	}

	c.logger.Info("entity table redistributed",
		zap.String("form_id", formID),
		zap.String("filename", filename),
		zap.Int("rows", table.Len()))
	return nil
}

func (c *Client) post(ctx context.Context, operation, requestURL, token, contentType string, body io.Reader) error {
	response, err := c.send(ctx, http.MethodPost, requestURL, token, contentType, body)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: %w", operation, ErrSessionExpired)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &RequestError{Operation: operation, URL: requestURL, StatusCode: response.StatusCode}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, requestURL, token, contentType string, body io.Reader) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("central: %s %s: %w", method, requestURL, err)
	}
	return response, nil
}
