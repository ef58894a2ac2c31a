package telephony

import (
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/notdienststation/dispatch/pkg/logging"
)

// Caller places outbound calls through the Twilio REST API.
type Caller struct {
	rest   *twilio.RestClient
	from   string
	logger *logging.Logger
}

// NewCaller creates a caller. The from number is the CLI shown on
// outbound legs.
func NewCaller(accountSID, authToken, from string, logger *logging.Logger) (*Caller, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("telephony: twilio credentials missing")
	}
	if logger == nil {
		logger = logging.Default()
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Caller{rest: rest, from: from, logger: logger}, nil
}

// StartCall rings the given number; when answered, Twilio fetches the
// call instructions from twimlURL. Returns the new call SID.
func (c *Caller) StartCall(to, twimlURL string) (string, error) {
	if to == "" {
		return "", errors.New("telephony: start call: to required")
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetUrl(twimlURL)
	params.SetMethod("POST")

	resp, err := c.rest.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("telephony: create call to %s: %w", to, err)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	c.logger.Info("outbound call created", "to", to, "call_sid", sid)
	return sid, nil
}
