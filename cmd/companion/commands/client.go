package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiClient is a minimal client for the companion HTTP API.
type apiClient struct {
	base string
	user string
	hc   *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: strings.TrimSuffix(serverURL, "/"),
		user: userFlag,
		hc:   http.DefaultClient,
	}
}

func (c *apiClient) newRequest(method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-User-ID", c.user)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON performs a request and decodes the JSON response into out.
func (c *apiClient) doJSON(method, path string, body, out any) error {
	req, err := c.newRequest(method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server: %s (status %d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("server: status %d", resp.StatusCode)
}
