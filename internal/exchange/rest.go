package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// envelope common v5 response wrapper.
type envelope struct {
	RetCode *int            `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// call performs one REST request. GET params go to the sorted query string, other
// methods send them as a JSON body. The signed payload is exactly what is sent.
func (g *Gateway) call(ctx context.Context, method, path string, params map[string]string, auth bool, out any) error {
	if auth && !g.signer.configured() {
		return ErrMissingCredentials
	}

	endpoint := strings.TrimRight(g.baseURL, "/") + path
	var (
		payload string
		body    io.Reader
	)
	if method == http.MethodGet {
		payload = canonicalQuery(params)
		if payload != "" {
			endpoint += "?" + payload
		}
	} else {
		raw, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		payload = string(raw)
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.Wrapf(err, "build request %s %s", method, path)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		g.signer.apply(req.Header, strconv.FormatInt(g.now().UnixMilli(), 10), payload)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read response %s %s", method, path)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{HTTPStatus: resp.StatusCode, RetCode: -1, RetMsg: truncate(string(raw), 200)}
		}
		return errors.Errorf("invalid JSON response (HTTP %d) from %s: %s", resp.StatusCode, path, truncate(string(raw), 200))
	}

	retCode := -1
	if env.RetCode != nil {
		retCode = *env.RetCode
	}
	if resp.StatusCode >= http.StatusBadRequest || retCode != 0 {
		msg := env.RetMsg
		if msg == "" {
			msg = "unknown error"
		}
		return &APIError{HTTPStatus: resp.StatusCode, RetCode: retCode, RetMsg: msg}
	}

	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Wrapf(err, "decode result of %s", path)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
