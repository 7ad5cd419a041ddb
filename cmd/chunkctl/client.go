package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

const maxSendAttempts = 5

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(opts *globalOptions) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(opts.server, "/"),
		token:   opts.token,
		http:    &http.Client{Timeout: opts.timeout},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) InitUpload(ctx context.Context, totalChunks int) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/init-file-upload/%d", c.baseURL, totalChunks), nil)
	if err != nil {
		return nil, err
	}

	var out map[string]string
	if err := c.do(req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) Status(ctx context.Context, fileID string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/files/%s", c.baseURL, fileID), nil)
	if err != nil {
		return nil, err
	}

	var out map[string]string
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendChunk uploads one chunk, retrying network errors and 5xx responses.
func (c *apiClient) SendChunk(ctx context.Context, fileID string, index int, payload []byte) (map[string]any, error) {
	var out map[string]any

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxSendAttempts-1),
		ctx,
	)

	err := backoff.Retry(func() error {
		body, contentType, err := chunkForm(fileID, index, payload)
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/create-chunk", body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)

		err = c.do(req, http.StatusCreated, &out)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}, b)

	return out, err
}

func chunkForm(fileID string, index int, payload []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("file_id", fileID); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("chunk_id", strconv.Itoa(index)); err != nil {
		return nil, "", err
	}
	fw, err := mw.CreateFormFile("file", fmt.Sprintf("chunk_%d.csv", index))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(payload); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *apiClient) do(req *http.Request, want int, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != want {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil {
			if e.Error != "" {
				msg = e.Error
			} else if e.Message != "" {
				msg = e.Message
			}
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
