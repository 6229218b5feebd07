package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agritrace/provenance/pkg/roles"
)

type provClient struct {
	baseURL string
	http    *http.Client
}

func newClient() *provClient {
	return &provClient{
		baseURL: serverURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do sends a request, attaching the acting identity header when one is
// resolved, and decodes a successful JSON response into v.
func (c *provClient) do(method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor := resolvedActor(); actor != "" {
		req.Header.Set(roles.ActorHeader, actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return serverError(resp)
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *provClient) getJSON(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

func (c *provClient) postJSON(path string, body any, v any) error {
	return c.do(http.MethodPost, path, body, v)
}

// postRaw sends raw bytes (not JSON) and decodes the response.
func (c *provClient) postRaw(path string, data []byte, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if actor := resolvedActor(); actor != "" {
		req.Header.Set(roles.ActorHeader, actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return serverError(resp)
	}
	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// getBytes fetches a raw (non-JSON) response body.
func (c *provClient) getBytes(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, serverError(resp)
	}
	return io.ReadAll(resp.Body)
}

// serverError turns a non-2xx response into an error, preferring the
// structured error envelope's message over the raw body.
func serverError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
