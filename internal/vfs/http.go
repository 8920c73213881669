package vfs

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kaitoreed/nvimhost/internal/rpcerr"
)

// HTTPBackend provides read-only access to remote files over vfs://http/
// and vfs://git/ URIs, mirroring the original host's read-only HttpFsBackend.
// Outbound requests carry a short-lived HMAC-signed capability token rather
// than any end-user credential — this authenticates the host itself to a
// remote collaborator, never a browser client (spec.md's Non-goal is
// end-user authentication, which this never touches).
type HTTPBackend struct {
	client   *http.Client
	signKey  []byte
	tokenTTL time.Duration
}

func NewHTTPBackend(signKey []byte) *HTTPBackend {
	return &HTTPBackend{
		client:   &http.Client{Timeout: 30 * time.Second},
		signKey:  signKey,
		tokenTTL: time.Minute,
	}
}

func (h *HTTPBackend) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return "https://" + path
}

func (h *HTTPBackend) capabilityToken(url string) (string, error) {
	claims := jwt.MapClaims{
		"aud": url,
		"exp": time.Now().Add(h.tokenTTL).Unix(),
		"iss": "nvimhostd",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(h.signKey)
}

func (h *HTTPBackend) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Transport, "build http request", err)
	}
	if len(h.signKey) > 0 {
		token, err := h.capabilityToken(url)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.Transport, "sign capability token", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (h *HTTPBackend) Read(ctx context.Context, path string) ([]byte, error) {
	url := h.resolveURL(path)
	req, err := h.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Transport, "http request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, rpcerr.NewNotFound("http " + resp.Status + " for " + url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Transport, "read http response", err)
	}
	return body, nil
}

func (h *HTTPBackend) Write(ctx context.Context, path string, data []byte) error {
	return rpcerr.NewPolicy("http backend is read-only")
}

func (h *HTTPBackend) Stat(ctx context.Context, path string) (FileStat, error) {
	url := h.resolveURL(path)
	req, err := h.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return FileStat{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return FileStat{}, rpcerr.Wrap(rpcerr.Transport, "http head failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FileStat{}, rpcerr.NewNotFound("http " + resp.Status + " for " + url)
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return FileStat{IsFile: true, Size: size}, nil
}

func (h *HTTPBackend) List(ctx context.Context, path string) ([]string, error) {
	return nil, rpcerr.NewPolicy("http backend does not support directory listing")
}
