// Package vod uploads finished recordings to the external archive store.
// The store contract is three sequential calls: issue an upload URL, push
// the archive bytes, then register the recording metadata. Failures are
// reported to the caller and never retried.
package vod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type Client struct {
	siteURL    string
	token      string
	httpClient *http.Client
}

// UploadRequest describes one finished recording.
type UploadRequest struct {
	FilePath   string
	AgentName  string
	AgentID    int
	Duration   int // seconds, floor of wall-clock elapsed
	RecordedAt time.Time
	FileSize   int64
	MimeType   string
}

type uploadURLResponse struct {
	UploadURL string `json:"uploadUrl"`
}

type uploadResponse struct {
	StorageID string `json:"storageId"`
}

type saveRequest struct {
	StorageID  string `json:"storageId"`
	AgentName  string `json:"agentName"`
	AgentID    int    `json:"agentId"`
	Duration   int    `json:"duration"`
	RecordedAt string `json:"recordedAt"`
	FileSize   int64  `json:"fileSize"`
	MimeType   string `json:"mimeType"`
}

// NewClient returns a client for the archive store, or nil when the
// store is not configured.
func NewClient(siteURL, token string) *Client {
	if siteURL == "" || token == "" {
		return nil
	}
	return &Client{
		siteURL: strings.TrimSuffix(siteURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// UploadRecording runs the three-step store sequence for one archive
// file. Exactly three requests are made on success; the sequence aborts
// at the first failure.
func (c *Client) UploadRecording(ctx context.Context, req UploadRequest) error {
	uploadURL, err := c.requestUploadURL(ctx)
	if err != nil {
		return fmt.Errorf("request upload url: %w", err)
	}

	storageID, err := c.uploadFile(ctx, uploadURL, req.FilePath, req.MimeType)
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	if err := c.saveRecording(ctx, storageID, req); err != nil {
		return fmt.Errorf("save recording metadata: %w", err)
	}
	return nil
}

func (c *Client) requestUploadURL(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.siteURL+"/api/vod/upload-url", strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	var body uploadURLResponse
	if err := c.do(httpReq, &body); err != nil {
		return "", err
	}
	if body.UploadURL == "" {
		return "", fmt.Errorf("store returned empty uploadUrl")
	}
	return body.UploadURL, nil
}

func (c *Client) uploadFile(ctx context.Context, uploadURL, filePath, mimeType string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, f)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mimeType)
	httpReq.ContentLength = fi.Size()

	var body uploadResponse
	if err := c.do(httpReq, &body); err != nil {
		return "", err
	}
	if body.StorageID == "" {
		return "", fmt.Errorf("store returned empty storageId")
	}
	return body.StorageID, nil
}

func (c *Client) saveRecording(ctx context.Context, storageID string, req UploadRequest) error {
	payload, err := json.Marshal(saveRequest{
		StorageID:  storageID,
		AgentName:  req.AgentName,
		AgentID:    req.AgentID,
		Duration:   req.Duration,
		RecordedAt: req.RecordedAt.UTC().Format(time.RFC3339),
		FileSize:   req.FileSize,
		MimeType:   req.MimeType,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.siteURL+"/api/vod/save", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	return c.do(httpReq, nil)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
