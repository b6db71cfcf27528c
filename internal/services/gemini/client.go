// Package gemini talks to the Gemini API over plain HTTP: media upload,
// file-state polling, structured generation, and file deletion. The
// client performs single requests; retry policy lives with the caller.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://generativelanguage.googleapis.com"
	defaultHTTPTimeout = 120 * time.Second

	stateActive     = "ACTIVE"
	stateProcessing = "PROCESSING"
	stateFailed     = "FAILED"
)

// Config captures the runtime settings required to talk to Gemini.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Client wraps the Gemini files and generateContent endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a Gemini client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Model:          strings.TrimSpace(cfg.Model),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultBaseURL
	}
	return client
}

// RemoteFile describes a provider-side media handle.
type RemoteFile struct {
	Name      string
	URI       string
	MIMEType  string
	State     string
	ExpiresAt time.Time
}

// Active reports whether the provider considers the file ready for use.
func (f RemoteFile) Active() bool {
	return f.State == stateActive
}

// Usage is the token accounting reported for one generation call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("gemini request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

type fileMetadata struct {
	Name           string `json:"name"`
	URI            string `json:"uri"`
	MIMEType       string `json:"mimeType"`
	State          string `json:"state"`
	ExpirationTime string `json:"expirationTime"`
}

func (m fileMetadata) toRemoteFile() RemoteFile {
	file := RemoteFile{
		Name:     m.Name,
		URI:      m.URI,
		MIMEType: m.MIMEType,
		State:    m.State,
	}
	if m.ExpirationTime != "" {
		if expires, err := time.Parse(time.RFC3339Nano, m.ExpirationTime); err == nil {
			file.ExpiresAt = expires
		}
	}
	return file
}

// UploadFile pushes a local media file through the resumable upload
// protocol and returns the provider handle. The returned file is
// usually still PROCESSING; callers follow up with AwaitActive.
func (c *Client) UploadFile(ctx context.Context, path, displayName, mimeType string) (RemoteFile, error) {
	var empty RemoteFile
	if c.cfg.APIKey == "" {
		return empty, errors.New("gemini upload: api key required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return empty, fmt.Errorf("gemini upload: stat %s: %w", path, err)
	}

	startBody, err := json.Marshal(map[string]any{
		"file": map[string]string{"display_name": displayName},
	})
	if err != nil {
		return empty, fmt.Errorf("gemini upload: encode start body: %w", err)
	}
	startReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload/v1beta/files", bytes.NewReader(startBody))
	if err != nil {
		return empty, fmt.Errorf("gemini upload: new start request: %w", err)
	}
	startReq.Header.Set("x-goog-api-key", c.cfg.APIKey)
	startReq.Header.Set("Content-Type", "application/json")
	startReq.Header.Set("X-Goog-Upload-Protocol", "resumable")
	startReq.Header.Set("X-Goog-Upload-Command", "start")
	startReq.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(info.Size(), 10))
	startReq.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	startResp, err := c.httpClient.Do(startReq)
	if err != nil {
		return empty, fmt.Errorf("gemini upload: start session: %w", err)
	}
	startPayload, err := io.ReadAll(startResp.Body)
	startResp.Body.Close()
	if err != nil {
		return empty, fmt.Errorf("gemini upload: read start response: %w", err)
	}
	if startResp.StatusCode >= http.StatusMultipleChoices {
		return empty, statusError(startResp, startPayload)
	}
	uploadURL := startResp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return empty, errors.New("gemini upload: missing upload url in start response")
	}

	file, err := os.Open(path)
	if err != nil {
		return empty, fmt.Errorf("gemini upload: open %s: %w", path, err)
	}
	defer file.Close()

	dataReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, file)
	if err != nil {
		return empty, fmt.Errorf("gemini upload: new data request: %w", err)
	}
	dataReq.ContentLength = info.Size()
	dataReq.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	dataReq.Header.Set("X-Goog-Upload-Offset", "0")

	dataResp, err := c.httpClient.Do(dataReq)
	if err != nil {
		return empty, fmt.Errorf("gemini upload: send data: %w", err)
	}
	defer dataResp.Body.Close()
	body, err := io.ReadAll(dataResp.Body)
	if err != nil {
		return empty, fmt.Errorf("gemini upload: read data response: %w", err)
	}
	if dataResp.StatusCode >= http.StatusMultipleChoices {
		return empty, statusError(dataResp, body)
	}

	var payload struct {
		File fileMetadata `json:"file"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return empty, fmt.Errorf("gemini upload: decode response: %w", err)
	}
	if payload.File.Name == "" {
		return empty, errors.New("gemini upload: response missing file name")
	}
	return payload.File.toRemoteFile(), nil
}

// GetFile fetches current metadata for a provider handle.
func (c *Client) GetFile(ctx context.Context, name string) (RemoteFile, error) {
	var empty RemoteFile
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" {
		return empty, errors.New("gemini file: name required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1beta/"+name, nil)
	if err != nil {
		return empty, fmt.Errorf("gemini file: new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, fmt.Errorf("gemini file: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, fmt.Errorf("gemini file: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return empty, statusError(resp, body)
	}

	var meta fileMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return empty, fmt.Errorf("gemini file: decode response: %w", err)
	}
	return meta.toRemoteFile(), nil
}

// ErrFileTimedOut marks a readiness poll that ran out of time while the
// provider still reported PROCESSING.
var ErrFileTimedOut = errors.New("gemini file: readiness poll timed out")

// ErrFileFailed marks a file the provider rejected during processing.
var ErrFileFailed = errors.New("gemini file: provider failed to process media")

// AwaitActive polls file metadata until the provider reports ACTIVE.
// FAILED is terminal. Hitting the timeout while still PROCESSING
// returns ErrFileTimedOut, which is distinct from provider rejection.
func (c *Client) AwaitActive(ctx context.Context, name string, interval, timeout time.Duration) (RemoteFile, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		file, err := c.GetFile(ctx, name)
		if err != nil {
			return RemoteFile{}, err
		}
		switch file.State {
		case stateActive:
			return file, nil
		case stateFailed:
			return file, fmt.Errorf("%w: %s", ErrFileFailed, name)
		}
		if timeout > 0 && time.Now().After(deadline) {
			return file, fmt.Errorf("%w: %s still %s after %s", ErrFileTimedOut, name, file.State, timeout)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return RemoteFile{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// DeleteFile removes a provider handle. A missing file is not an
// error; deletion is called from cleanup paths that may run twice.
func (c *Client) DeleteFile(ctx context.Context, name string) error {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" {
		return errors.New("gemini delete: name required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.BaseURL+"/v1beta/"+name, nil)
	if err != nil {
		return fmt.Errorf("gemini delete: new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini delete: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gemini delete: read body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(resp, body)
	}
	return nil
}

type generateRequest struct {
	SystemInstruction *contentBlock    `json:"system_instruction,omitempty"`
	Contents          []contentBlock   `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type contentBlock struct {
	Role  string        `json:"role,omitempty"`
	Parts []contentPart `json:"parts"`
}

type contentPart struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"file_data,omitempty"`
}

type fileData struct {
	FileURI  string `json:"file_uri"`
	MIMEType string `json:"mime_type,omitempty"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMIMEType string  `json:"response_mime_type"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ErrBlocked marks a generation the provider refused on safety
// grounds. Retrying the same media cannot help.
var ErrBlocked = errors.New("gemini generate: prompt blocked")

// GenerateJSON runs one structured generation over an uploaded media
// file and returns the raw JSON text plus reported token usage.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, media RemoteFile) (string, Usage, error) {
	var usage Usage
	if c.cfg.APIKey == "" {
		return "", usage, errors.New("gemini generate: api key required")
	}
	if c.cfg.Model == "" {
		return "", usage, errors.New("gemini generate: model required")
	}
	if media.URI == "" {
		return "", usage, errors.New("gemini generate: media uri required")
	}

	payload := generateRequest{
		Contents: []contentBlock{{
			Role: "user",
			Parts: []contentPart{
				{FileData: &fileData{FileURI: media.URI, MIMEType: media.MIMEType}},
				{Text: userPrompt},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:      0,
			ResponseMIMEType: "application/json",
		},
	}
	if strings.TrimSpace(systemPrompt) != "" {
		payload.SystemInstruction = &contentBlock{Parts: []contentPart{{Text: systemPrompt}}}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", usage, fmt.Errorf("gemini generate: encode body: %w", err)
	}
	endpoint := c.cfg.BaseURL + "/v1beta/models/" + c.cfg.Model + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", usage, fmt.Errorf("gemini generate: new request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", usage, fmt.Errorf("gemini generate: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", usage, fmt.Errorf("gemini generate: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", usage, statusError(resp, body)
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", usage, fmt.Errorf("gemini generate: decode response: %w", err)
	}
	if decoded.Error != nil {
		return "", usage, fmt.Errorf("gemini generate: api error: %s", strings.TrimSpace(decoded.Error.Message))
	}
	if decoded.UsageMetadata != nil {
		usage.InputTokens = decoded.UsageMetadata.PromptTokenCount
		usage.OutputTokens = decoded.UsageMetadata.CandidatesTokenCount
	}
	if decoded.PromptFeedback != nil && decoded.PromptFeedback.BlockReason != "" {
		return "", usage, fmt.Errorf("%w: %s", ErrBlocked, decoded.PromptFeedback.BlockReason)
	}

	var text strings.Builder
	for _, candidate := range decoded.Candidates {
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
		break
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		return "", usage, errors.New("gemini generate: empty candidates")
	}
	return content, usage, nil
}

func statusError(resp *http.Response, body []byte) error {
	retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
	return &httpStatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: retryAfter,
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
