package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxDocumentBytes = 32 << 20

// IPFSClient talks to a Kubo node's RPC API.
type IPFSClient struct {
	baseURL string
	http    *http.Client
}

// NewIPFSClient builds a client for the RPC endpoint at apiURL, for example
// http://127.0.0.1:5001.
func NewIPFSClient(apiURL string, httpClient *http.Client) (*IPFSClient, error) {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		return nil, errors.New("docstore: ipfs api url is required")
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("docstore: parse ipfs api url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &IPFSClient{baseURL: apiURL, http: httpClient}, nil
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type rpcError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// Put adds and pins doc. Raw leaves with CIDv1 keep the identifier equal to
// ComputeCID for documents that fit in a single block.
func (c *IPFSClient) Put(ctx context.Context, doc []byte) (string, error) {
	if len(doc) == 0 {
		return "", ErrEmptyDocument
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "document")
	if err != nil {
		return "", fmt.Errorf("docstore: build multipart: %w", err)
	}
	if _, err := part.Write(doc); err != nil {
		return "", fmt.Errorf("docstore: write multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("docstore: close multipart: %w", err)
	}

	endpoint := c.baseURL + "/api/v0/add?pin=true&cid-version=1&raw-leaves=true&quieter=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("docstore: build add request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp)
	}

	var out addResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("docstore: decode add response: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("docstore: add response missing hash")
	}
	return out.Hash, nil
}

func (c *IPFSClient) Get(ctx context.Context, cid string) ([]byte, error) {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return nil, ErrNotFound
	}

	endpoint := c.baseURL + "/api/v0/cat?arg=" + url.QueryEscape(cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("docstore: build cat request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read cat body: %v", ErrUnavailable, err)
	}
	if len(doc) > maxDocumentBytes {
		return nil, fmt.Errorf("docstore: document %s exceeds %d bytes", cid, maxDocumentBytes)
	}
	return doc, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var rpcErr rpcError
	_ = json.Unmarshal(raw, &rpcErr)
	msg := strings.ToLower(rpcErr.Message)
	if msg == "" {
		msg = strings.ToLower(strings.TrimSpace(string(raw)))
	}

	switch {
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "invalid path"),
		strings.Contains(msg, "invalid cid"),
		strings.Contains(msg, "no link named"):
		return fmt.Errorf("%w: %s", ErrNotFound, rpcErr.Message)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("docstore: unexpected status %d: %s", resp.StatusCode, msg)
	}
}
