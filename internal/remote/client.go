package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joylabs/catalogd/internal/catalog"
)

// ListRequest selects one page of the remote catalog. An empty Cursor starts
// from the beginning; SinceVersion > 0 limits the listing to objects changed
// after that version.
type ListRequest struct {
	Cursor       string
	SinceVersion int64
	Types        []catalog.ObjectType
	Limit        int
}

// Page is one batch of raw catalog objects. NextCursor is nil on the last page.
type Page struct {
	Objects    []json.RawMessage `json:"objects"`
	NextCursor *string           `json:"cursor"`
}

// Client is the authoritative remote catalog. Implementations make a single
// attempt per call; retry policy belongs to the caller.
type Client interface {
	ListObjects(ctx context.Context, req ListRequest) (Page, error)
	RetrieveObjects(ctx context.Context, ids []string) ([]json.RawMessage, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *HTTPClient) ListObjects(ctx context.Context, req ListRequest) (Page, error) {
	q := url.Values{}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if len(req.Types) > 0 {
		names := make([]string, 0, len(req.Types))
		for _, t := range req.Types {
			names = append(names, string(t))
		}
		q.Set("types", strings.Join(names, ","))
	}
	if req.SinceVersion > 0 {
		q.Set("since_version", strconv.FormatInt(req.SinceVersion, 10))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	path := "/v2/catalog/list"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out Page
	err := c.doJSON(ctx, "list", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *HTTPClient) RetrieveObjects(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := map[string]any{"object_ids": ids}
	var out struct {
		Objects []json.RawMessage `json:"objects"`
	}
	if err := c.doJSON(ctx, "retrieve", http.MethodPost, "/v2/catalog/batch-retrieve", body, &out); err != nil {
		return nil, err
	}
	return out.Objects, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, requestPath string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return ctxErr
		}
		return &TransientError{Op: op, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &TransientError{Op: op, StatusCode: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{
			Op:         op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        httpErr,
		}
	}
	return httpErr
}

func correlationID() string {
	return "catalogd_" + uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
