package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultChunkSize is the fixed slice size for chunked transfers; only the
// final chunk may be shorter.
const DefaultChunkSize int64 = 10 << 20

const defaultRequestTimeout = 2 * time.Minute

// Client speaks the upload API. Every request carries the configured timeout
// so a dead server fails the current chunk instead of hanging the whole
// sequence.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type initRequest struct {
	FileName string         `json:"fileName"`
	FileSize int64          `json:"fileSize"`
	Metadata map[string]any `json:"metadata"`
}

type initResponse struct {
	UploadID int64 `json:"uploadId"`
}

// Init registers a new upload session and returns its id.
func (c *Client) Init(ctx context.Context, fileName string, fileSize int64, metadata map[string]any) (int64, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(initRequest{FileName: fileName, FileSize: fileSize, Metadata: metadata})
	if err != nil {
		return 0, fmt.Errorf("encode init request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads/init", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("init upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return 0, responseError("init upload", resp)
	}
	var decoded initResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode init response: %w", err)
	}
	if decoded.UploadID <= 0 {
		return 0, fmt.Errorf("init upload: server returned id %d", decoded.UploadID)
	}
	return decoded.UploadID, nil
}

// SendChunk transfers one chunk. The upload id and chunk number travel as
// headers; the body is the raw chunk bytes.
func (c *Client) SendChunk(ctx context.Context, uploadID int64, chunkNumber int, chunk io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads/chunk", chunk)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Upload-Id", strconv.FormatInt(uploadID, 10))
	req.Header.Set("X-Chunk-Number", strconv.Itoa(chunkNumber))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send chunk %d: %w", chunkNumber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(fmt.Sprintf("send chunk %d", chunkNumber), resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type completeRequest struct {
	UploadID int64 `json:"uploadId"`
}

// Complete asks the server to merge the staged chunks and finish the session.
func (c *Client) Complete(ctx context.Context, uploadID int64) error {
	payload, err := json.Marshal(completeRequest{UploadID: uploadID})
	if err != nil {
		return fmt.Errorf("encode complete request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads/complete", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError("complete upload", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func responseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s: %s (status %d)", op, payload.Error, resp.StatusCode)
	}
	return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
}
