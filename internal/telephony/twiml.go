// Package telephony binds the Twilio voice provider: TwiML generation,
// outbound calls and SMS, webhook parsing and signature validation, and
// authenticated recording downloads.
package telephony

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/twilio/twilio-go/twiml"

	"github.com/notdienststation/dispatch/pkg/logging"
)

const emptyResponse = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Prompter builds TwiML with a fixed voice and language, so every prompt
// of a call sounds the same.
type Prompter struct {
	voice    string
	language string
	logger   *logging.Logger
}

// NewPrompter creates a prompter. Empty voice settings fall back to the
// German defaults.
func NewPrompter(voice, language string, logger *logging.Logger) *Prompter {
	if voice == "" {
		voice = "Polly.Vicki"
	}
	if language == "" {
		language = "de-DE"
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Prompter{voice: voice, language: language, logger: logger}
}

// Say speaks one sentence in the configured voice.
func (p *Prompter) Say(text string) twiml.Element {
	return &twiml.VoiceSay{
		Message:  text,
		Voice:    p.voice,
		Language: p.language,
	}
}

// GatherSpeech prompts and collects a free-form utterance, posting the
// recognized text to action. Empty results still hit the action so the
// handler can re-prompt.
func (p *Prompter) GatherSpeech(action string, prompts ...twiml.Element) twiml.Element {
	return &twiml.VoiceGather{
		Input:               "speech",
		Action:              action,
		Method:              "POST",
		Language:            p.language,
		SpeechTimeout:       "auto",
		ActionOnEmptyResult: "true",
		InnerElements:       prompts,
	}
}

// GatherSpeechAndDigits additionally accepts DTMF, capped at numDigits.
// Used for the PLZ prompt where typing beats spelling.
func (p *Prompter) GatherSpeechAndDigits(action string, numDigits int, prompts ...twiml.Element) twiml.Element {
	return &twiml.VoiceGather{
		Input:               "speech dtmf",
		Action:              action,
		Method:              "POST",
		Language:            p.language,
		SpeechTimeout:       "auto",
		ActionOnEmptyResult: "true",
		NumDigits:           strconv.Itoa(numDigits),
		InnerElements:       prompts,
	}
}

// RecordStatement records the caller after the beep and posts the call on
// to action; the finished media is announced on statusCallback.
func (p *Prompter) RecordStatement(action, statusCallback string) twiml.Element {
	return &twiml.VoiceRecord{
		Action:                        action,
		Method:                        "POST",
		MaxLength:                     "60",
		Timeout:                       "4",
		FinishOnKey:                   "#",
		PlayBeep:                      "true",
		RecordingStatusCallback:       statusCallback,
		RecordingStatusCallbackMethod: "POST",
		RecordingStatusCallbackEvent:  "completed",
	}
}

// DialContact bridges the caller to one contact. The dial outcome is
// posted to action as DialCallStatus; the caller keeps hearing ringing
// until the contact picks up.
func (p *Prompter) DialContact(phone, action, callerID string, timeout time.Duration) twiml.Element {
	return &twiml.VoiceDial{
		Action:         action,
		Method:         "POST",
		Timeout:        strconv.Itoa(int(timeout.Seconds())),
		CallerId:       callerID,
		AnswerOnBridge: "true",
		InnerElements: []twiml.Element{
			&twiml.VoiceNumber{PhoneNumber: phone},
		},
	}
}

// DialContactRecorded is DialContact with the bridged leg recorded from
// answer; the finished media is announced on recordingCallback.
func (p *Prompter) DialContactRecorded(phone, action, callerID string, timeout time.Duration, recordingCallback string) twiml.Element {
	return &twiml.VoiceDial{
		Action:                        action,
		Method:                        "POST",
		Timeout:                       strconv.Itoa(int(timeout.Seconds())),
		CallerId:                      callerID,
		AnswerOnBridge:                "true",
		Record:                        "record-from-answer",
		RecordingStatusCallback:       recordingCallback,
		RecordingStatusCallbackMethod: "POST",
		RecordingStatusCallbackEvent:  "completed",
		InnerElements: []twiml.Element{
			&twiml.VoiceNumber{PhoneNumber: phone},
		},
	}
}

// DialDirect forwards the call with default dial behavior and no outcome
// callback. Used for services configured to skip the agent entirely.
func (p *Prompter) DialDirect(phone string) twiml.Element {
	return &twiml.VoiceDial{Number: phone}
}

// Redirect continues the call flow at another webhook.
func (p *Prompter) Redirect(url string) twiml.Element {
	return &twiml.VoiceRedirect{Url: url, Method: "POST"}
}

// Play streams an audio resource to the caller.
func (p *Prompter) Play(url string) twiml.Element {
	return &twiml.VoicePlay{Url: url}
}

// Pause waits the given number of seconds.
func (p *Prompter) Pause(seconds int) twiml.Element {
	return &twiml.VoicePause{Length: strconv.Itoa(seconds)}
}

// Hangup ends the call.
func (p *Prompter) Hangup() twiml.Element {
	return &twiml.VoiceHangup{}
}

// Respond renders the verbs as the webhook reply. A render failure
// degrades to an empty <Response/>; the provider must never see a
// non-200.
func (p *Prompter) Respond(w http.ResponseWriter, verbs ...twiml.Element) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		p.logger.Error("twiml render failed", "error", err)
		doc = emptyResponse
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc)
}
