package store

import "strings"

// CallerID identifies the caller of a single inbound call. Callers either
// present a usable E.164 number or suppress their caller ID; the two cases
// flow through the same states but anonymous callers never receive SMS and
// their recordings are not persisted.
type CallerID struct {
	e164 string
}

// KnownCaller wraps a caller-presented E.164 number.
func KnownCaller(e164 string) CallerID {
	return CallerID{e164: e164}
}

// AnonymousCaller is the identity of a call with suppressed caller ID.
func AnonymousCaller() CallerID {
	return CallerID{}
}

// ParseCaller interprets the From field of a telephony webhook. Suppressed,
// empty, and provider placeholder values all map to the anonymous identity.
func ParseCaller(from string) CallerID {
	from = strings.TrimSpace(from)
	switch strings.ToLower(from) {
	case "", "anonymous", "unknown", "restricted", "unavailable":
		return AnonymousCaller()
	}
	if strings.HasPrefix(from, "00") {
		return CallerID{e164: DecodePhone(from)}
	}
	return CallerID{e164: from}
}

// IsAnonymous reports whether the caller suppressed their number.
func (c CallerID) IsAnonymous() bool {
	return c.e164 == ""
}

// E164 returns the caller's number, empty for anonymous callers.
func (c CallerID) E164() string {
	return c.e164
}

// Key returns the storage identity of the caller. Anonymous callers share a
// single bucket; their state is overwritten by the next anonymous call.
func (c CallerID) Key() string {
	if c.e164 == "" {
		return "anonymous"
	}
	return c.e164
}

// Encoded returns the caller's number in URL-safe form ("+" as "00"), or
// "anonymous" for suppressed caller IDs.
func (c CallerID) Encoded() string {
	if c.e164 == "" {
		return "anonymous"
	}
	return EncodePhone(c.e164)
}

// EncodePhone rewrites a leading "+" as "00" so the number is safe in URL
// path segments and recording keys. Numbers without a "+" pass through.
func EncodePhone(phone string) string {
	if strings.HasPrefix(phone, "+") {
		return "00" + phone[1:]
	}
	return phone
}

// DecodePhone reverses EncodePhone: a leading "00" becomes "+". The mapping
// is bijective for well-formed E.164 numbers.
func DecodePhone(phone string) string {
	if strings.HasPrefix(phone, "00") {
		return "+" + phone[2:]
	}
	return phone
}
