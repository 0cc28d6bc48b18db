package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/retry"
)

var ErrNotFound = errors.New("not found")

const maxResponseSize = 4 << 20

// HTTPLoader reads lists and items from the application's JSON read API.
// Requests are retried on transport errors and 5xx responses.
type HTTPLoader struct {
	client  *http.Client
	baseURL string
	header  http.Header
	policy  retry.Policy
}

// NewHTTPLoader builds a loader for baseURL. header is sent with every
// request (typically the session cookie).
func NewHTTPLoader(baseURL string, header http.Header) *HTTPLoader {
	return &HTTPLoader{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  header,
		policy: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
		},
	}
}

func (l *HTTPLoader) LoadList(ctx context.Context, listID string) (List, error) {
	var list List
	err := l.get(ctx, "/api/wishlists/"+url.PathEscape(listID), &list)
	return list, err
}

func (l *HTTPLoader) LoadItems(ctx context.Context, listID string) ([]domain.Item, error) {
	var items []domain.Item
	err := l.get(ctx, "/api/wishlists/"+url.PathEscape(listID)+"/items", &items)
	return items, err
}

func (l *HTTPLoader) LoadItem(ctx context.Context, itemID string) (domain.Item, error) {
	var item domain.Item
	err := l.get(ctx, "/api/items/"+url.PathEscape(itemID), &item)
	return item, err
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("read api responded %d", e.code) }

func (l *HTTPLoader) get(ctx context.Context, path string, out any) error {
	classify := func(err error) retry.Action {
		var status *statusError
		if errors.Is(err, ErrNotFound) || (errors.As(err, &status) && status.code < 500) {
			return retry.Stop
		}
		return retry.Retry
	}

	err := retry.Do(ctx, l.policy, classify, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
		if err != nil {
			return err
		}
		for k, v := range l.header {
			req.Header[k] = v
		}
		req.Header.Set("Accept", "application/json")

		resp, err := l.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		case resp.StatusCode != http.StatusOK:
			_, _ = io.Copy(io.Discard, resp.Body)
			return &statusError{code: resp.StatusCode}
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	})
	var permanent *retry.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
