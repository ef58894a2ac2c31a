package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ValidateSignature checks that a webhook request was signed by Twilio
// for the given public URL.
func ValidateSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}

	if err := r.ParseForm(); err != nil {
		return false
	}

	payload := buildSignaturePayload(webhookURL, r.PostForm)
	expected := computeSignature(payload, authToken)

	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildSignaturePayload concatenates the URL with the sorted form values,
// the scheme Twilio signs.
func buildSignaturePayload(url string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(url)

	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}

	return payload.String()
}

// computeSignature computes the HMAC-SHA1 signature.
func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Webhook carries the form fields of a Twilio voice callback. Fields not
// sent for a given callback type stay empty.
type Webhook struct {
	CallSid           string
	AccountSid        string
	From              string
	To                string
	CallStatus        string
	SpeechResult      string
	Digits            string
	DialCallStatus    string
	RecordingSid      string
	RecordingURL      string
	RecordingDuration string
}

// ParseWebhook parses a Twilio webhook request. Twilio sends GET
// callbacks with the same fields in the query string, so both forms are
// read.
func ParseWebhook(r *http.Request) (*Webhook, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("telephony: parse webhook form: %w", err)
	}

	return &Webhook{
		CallSid:           r.FormValue("CallSid"),
		AccountSid:        r.FormValue("AccountSid"),
		From:              r.FormValue("From"),
		To:                r.FormValue("To"),
		CallStatus:        r.FormValue("CallStatus"),
		SpeechResult:      r.FormValue("SpeechResult"),
		Digits:            r.FormValue("Digits"),
		DialCallStatus:    r.FormValue("DialCallStatus"),
		RecordingSid:      r.FormValue("RecordingSid"),
		RecordingURL:      r.FormValue("RecordingUrl"),
		RecordingDuration: r.FormValue("RecordingDuration"),
	}, nil
}

// Utterance returns the caller input of a gather callback, preferring
// typed digits over speech.
func (w *Webhook) Utterance() string {
	if w.Digits != "" {
		return w.Digits
	}
	return strings.TrimSpace(w.SpeechResult)
}
