package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/notdienststation/dispatch/pkg/logging"
)

var smsTracer = otel.Tracer("dispatch.internal.telephony.sms")

const defaultTwilioBaseURL = "https://api.twilio.com"

// SMSSender posts SMS messages using Twilio's REST API directly; the
// message endpoint is simple enough that the form POST beats pulling the
// whole generated client into the hot path.
type SMSSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewSMSSender builds a sender with sane defaults.
func NewSMSSender(accountSID, authToken, defaultFrom string, logger *logging.Logger) *SMSSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &SMSSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       defaultFrom,
		baseURL:    defaultTwilioBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Send dispatches a single SMS, retrying transient failures.
func (s *SMSSender) Send(ctx context.Context, to, body string) error {
	if s.accountSID == "" || s.authToken == "" {
		return errors.New("telephony: twilio credentials missing")
	}
	if to == "" {
		return errors.New("telephony: sms to required")
	}
	if s.from == "" {
		return errors.New("telephony: sms from required")
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("telephony: sms body required")
	}

	ctx, span := smsTracer.Start(ctx, "telephony.sms.send")
	defer span.End()

	payload := url.Values{}
	payload.Set("To", to)
	payload.Set("From", s.from)
	payload.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(s.baseURL, "/"), s.accountSID)

	var attempt int
	var lastErr error
	for attempt = 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = err
			break
		}
		req.SetBasicAuth(s.accountSID, s.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				s.logger.Info("sms sent", "to", to)
				return nil
			}
			lastErr = fmt.Errorf("telephony: sms send failed: %s", formatTwilioError(resp.StatusCode, respBody))
			// Don't retry non-rate-limit 4xx errors.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			sleep := time.Duration(200+rand.Intn(300)) * time.Millisecond
			time.Sleep(sleep)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
	}
	return lastErr
}

type twilioAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatTwilioError(status int, body []byte) string {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	// Fallback: return raw body (truncated by the read limit).
	return fmt.Sprintf("status %d: %s", status, string(body))
}
