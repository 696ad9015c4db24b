package coordination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const updatePrefix = "update_firestore::"

// HTTPClient implements Client and Uploader over the study website API.
type HTTPClient struct {
	baseURL    *url.URL
	studyID    string
	authKey    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPClient constructs a coordination client for the given API base URL.
func NewHTTPClient(rawURL, studyID, authKey string, httpClient *http.Client, log zerolog.Logger) (*HTTPClient, error) {
	if rawURL == "" {
		return nil, errors.New("base URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid coordination base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := log.With().Str("component", "coordination-client").Logger()

	logger.Info().
		Str("base_url", rawURL).
		Str("study_id", studyID).
		Dur("timeout", httpClient.Timeout).
		Msg("coordination client initialized")

	return &HTTPClient{
		baseURL:    parsed,
		studyID:    studyID,
		authKey:    authKey,
		httpClient: httpClient,
		log:        logger,
	}, nil
}

// Fetch retrieves the full study document.
func (c *HTTPClient) Fetch(ctx context.Context) (*Record, error) {
	endpoint := c.buildURL("get_doc_ref_dict")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("prepare fetch request: %w", err)
	}
	c.authorize(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch record: %v", ErrUpstreamUnavailable, err)
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return nil, fmt.Errorf("fetch record: %w", err)
	}

	var rec Record
	if err := json.NewDecoder(res.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	c.log.Trace().Int("participants", len(rec.Participants)).Msg("fetched coordination record")
	return &rec, nil
}

// Update sets field to value for the calling party.
func (c *HTTPClient) Update(ctx context.Context, field, value string) error {
	if field == "" {
		return errors.New("field is required")
	}
	body, err := json.Marshal(updateRequest{
		StudyID: c.studyID,
		Msg:     updatePrefix + field + "=" + value,
	})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	endpoint := c.buildURL("update_firestore")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("prepare update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: update %s: %v", ErrUpstreamUnavailable, field, err)
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return fmt.Errorf("update %s: %w", field, err)
	}

	c.log.Debug().Str("field", field).Str("value", value).Msg("updated coordination record")
	return nil
}

// SendFile uploads a result artifact under the given destination name.
func (c *HTTPClient) SendFile(ctx context.Context, name string, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("study_id", c.studyID); err != nil {
		return fmt.Errorf("write study_id field: %w", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	endpoint := c.buildURL("upload_file")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return fmt.Errorf("prepare upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", ErrUpstreamUnavailable, name, err)
	}
	defer res.Body.Close()

	if err := checkStatus(res); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}

	c.log.Info().Str("file", name).Int("bytes", buf.Len()).Msg("uploaded result file")
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.authKey != "" {
		req.Header.Set("Authorization", c.authKey)
	}
	if c.studyID != "" {
		q := req.URL.Query()
		q.Set("study_id", c.studyID)
		req.URL.RawQuery = q.Encode()
	}
}

func (c *HTTPClient) buildURL(elem ...string) string {
	clone := *c.baseURL
	clone.Path = path.Join(append([]string{c.baseURL.Path}, elem...)...)
	return clone.String()
}

func checkStatus(res *http.Response) error {
	if res.StatusCode < 400 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	text := strings.TrimSpace(string(msg))
	if res.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %s: %s", ErrUpstreamUnavailable, res.Status, text)
	}
	return fmt.Errorf("server returned %s: %s", res.Status, text)
}

type updateRequest struct {
	StudyID string `json:"study_id,omitempty"`
	Msg     string `json:"msg"`
}

var (
	_ Client   = (*HTTPClient)(nil)
	_ Uploader = (*HTTPClient)(nil)
)
