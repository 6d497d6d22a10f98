package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

const maxErrorBody = 8 << 10

// postJSON sends body as JSON and returns the response when the status is
// 2xx. Other statuses are turned into *Error with the backend's message.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", provider, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, errorFromResponse(provider, resp)
	}
	return resp, nil
}

// errorBody covers the common {"error": {...}} envelopes
type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func errorFromResponse(provider string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &Error{Provider: provider, StatusCode: resp.StatusCode}

	var body errorBody
	if err := sonic.Unmarshal(raw, &body); err == nil {
		e.Message = body.Error.Message
		if e.Message == "" {
			e.Message = body.Message
		}
		switch {
		case body.Error.Type != "":
			e.Code = body.Error.Type
		case body.Error.Status != "":
			e.Code = body.Error.Status
		case body.Error.Code != nil:
			e.Code = fmt.Sprint(body.Error.Code)
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(raw))
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

// getJSON fetches url and decodes a 2xx JSON body into out
func getJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", provider, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return errorFromResponse(provider, resp)
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	return nil
}
