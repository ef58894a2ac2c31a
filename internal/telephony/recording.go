package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/notdienststation/dispatch/pkg/logging"
)

// Recordings can run long; cap the download at something generous.
const maxRecordingBytes = 32 << 20

// RecordingFetcher downloads recording media with the read-only
// recording account, so the main credentials never touch media URLs.
type RecordingFetcher struct {
	accountSID string
	authToken  string
	httpClient *http.Client
	retryDelay time.Duration
	logger     *logging.Logger
}

// NewRecordingFetcher creates a fetcher.
func NewRecordingFetcher(accountSID, authToken string, logger *logging.Logger) *RecordingFetcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &RecordingFetcher{
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryDelay: time.Second,
		logger:     logger,
	}
}

// Download fetches the media behind a recording URL, retrying because the
// media is occasionally not ready the moment the callback fires. Returns
// the bytes and the content type.
func (f *RecordingFetcher) Download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	if mediaURL == "" {
		return nil, "", errors.New("telephony: recording url required")
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}

		body, contentType, err := f.fetch(ctx, mediaURL)
		if err == nil {
			return body, contentType, nil
		}
		lastErr = err
		f.logger.Warn("recording download failed", "attempt", attempt, "error", err)
	}
	return nil, "", fmt.Errorf("telephony: download recording: %w", lastErr)
}

func (f *RecordingFetcher) fetch(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.SetBasicAuth(f.accountSID, f.authToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes))
	if err != nil {
		return nil, "", err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return body, contentType, nil
}
