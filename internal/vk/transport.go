package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Transport is the authenticated HTTP client for the remote service. It owns
// timeouts and bounded retry of transient network failures; every response is
// structurally validated and service error envelopes are decoded into the
// typed taxonomy with code and message preserved verbatim.
type Transport struct {
	hc      *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewTransport creates a transport for the given API base URL
// (e.g. "https://api.vk.example/method").
func NewTransport(baseURL string, timeout time.Duration, logger *zap.Logger) *Transport {
	return &Transport{
		hc:      &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger,
	}
}

// errorEnvelope is the service's structured rejection body.
type errorEnvelope struct {
	Error *struct {
		Code    int    `json:"error_code"`
		Message string `json:"error_msg"`
	} `json:"error"`
	Response json.RawMessage `json:"response"`
}

// CallMethod invokes a named API method with the given token and parameters,
// returning the raw "response" payload. A single transient network failure is
// retried once; everything else is returned to the caller.
func (t *Transport) CallMethod(ctx context.Context, method, token string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token)

	u := t.baseURL + "/" + method + "?" + params.Encode()

	body, err := t.get(ctx, u, true)
	if IsTransient(err) {
		t.logger.Warn("transient failure, retrying once", zap.String("method", method), zap.Error(err))
		body, err = t.get(ctx, u, true)
	}
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(body)
}

// GetJSON fetches an arbitrary URL (the long-poll listen endpoint) and returns
// the raw body. No envelope decoding: long-poll responses have their own shape,
// so a 4xx here is always a transport failure, never a service envelope.
func (t *Transport) GetJSON(ctx context.Context, rawURL string) ([]byte, error) {
	return t.get(ctx, rawURL, false)
}

// PostForm posts a form to an arbitrary URL (the auth endpoint) and returns
// the raw body.
func (t *Transport) PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, nil)
	if err != nil {
		return nil, &TransportError{Transient: false, Err: err}
	}
	req.URL.RawQuery = form.Encode()
	return t.do(req, true)
}

// UploadFile streams a local file as multipart form data to uploadURL.
// A non-2xx status with a server-supplied body is returned as a ProtocolError
// derived by the caller; connection-level failures come back as TransportError.
func (t *Transport) UploadFile(ctx context.Context, uploadURL, fieldName, path string, r io.Reader) ([]byte, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile(fieldName, filepath.Base(path))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, pr)
	if err != nil {
		return nil, &TransportError{Transient: false, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return t.do(req, true)
}

func (t *Transport) get(ctx context.Context, rawURL string, errBody bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{Transient: false, Err: err}
	}
	return t.do(req, errBody)
}

// do issues the request. When errBody is set, a 4xx body is handed back to the
// caller for envelope decoding; otherwise any 4xx is a transport failure.
func (t *Transport) do(req *http.Request, errBody bool) ([]byte, error) {
	resp, err := t.hc.Do(req)
	if err != nil {
		return nil, classifyNetError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &TransportError{Transient: true, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &TransportError{Transient: true, Err: fmt.Errorf("server status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		// The body may still carry a service error envelope; let the
		// caller decode it so code/message survive verbatim.
		if errBody && len(body) > 0 {
			return body, nil
		}
		return nil, &TransportError{Transient: false, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return body, nil
}

func classifyNetError(err error) error {
	if errors.Is(err, context.Canceled) {
		// Caller-driven shutdown, not worth retrying.
		return &TransportError{Transient: false, Err: err}
	}
	// Timeouts, refused connections, resets, DNS hiccups: all worth a retry.
	return &TransportError{Transient: true, Err: err}
}

// decodeEnvelope validates the method-call envelope and splits it into the
// response payload or a typed error.
func decodeEnvelope(body []byte) (json.RawMessage, error) {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error()}
	}
	if env.Error != nil {
		if env.Error.Code == codeAuthFailed || env.Error.Code == codeValidationNeeded {
			return nil, &AuthError{Code: env.Error.Code, Message: env.Error.Message}
		}
		return nil, &ProtocolError{Code: env.Error.Code, Message: env.Error.Message}
	}
	if env.Response == nil {
		return nil, &MalformedResponseError{Reason: "missing response field"}
	}
	return env.Response, nil
}
