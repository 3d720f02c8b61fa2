package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
)

// HTTPFetcher pulls observations from an upstream price API. The API
// is expected to answer GET {base}/feeds/{feedID} with a JSON body
// containing a numeric "value" field.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

type feedResponse struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHTTPFetcher(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch retrieves the current observation for a feed. Failures are
// classified so the caller can distinguish slow sources from broken
// ones.
func (f *HTTPFetcher) Fetch(ctx context.Context, feedID string) (*Observation, error) {
	endpoint := fmt.Sprintf("%s/feeds/%s", f.baseURL, url.PathEscape(feedID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFetchError(feedID, KindMalformed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, NewFetchError(feedID, classifyTransportError(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewFetchError(feedID, KindUnreachable,
			fmt.Errorf("upstream returned status %d", resp.StatusCode))
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, NewFetchError(feedID, KindMalformed, err)
	}

	fetchedAt := body.Timestamp
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	return &Observation{
		FeedID:    feedID,
		Value:     body.Value,
		FetchedAt: fetchedAt,
	}, nil
}

func classifyTransportError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return KindTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}
