package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Intent labels. The human-agent case never appears as a label; it
// surfaces as ErrHumanRequested.
const (
	IntentLocksmith = "schlüsseldienst"
	IntentTowing    = "abschleppdienst"
	IntentADAC      = "adac"
	IntentOther     = "andere"
)

// Cache namespaces, one directory per primitive.
const (
	nsYesNo    = "ja_nein"
	nsIntent   = "anliegen"
	nsLocation = "standort"
	nsPLZ      = "plz"
)

const noReasoning = "Keine Begründung gegeben."

// YesNoResult is a parsed agreement decision.
type YesNoResult struct {
	Agreement bool   `json:"agreement"`
	Reasoning string `json:"reasoning"`
}

// IntentResult is a parsed intent classification.
type IntentResult struct {
	Intent    string `json:"intent"`
	Reasoning string `json:"reasoning"`
}

// LocationResult is a parsed address extraction.
type LocationResult struct {
	ContainsLocation bool   `json:"contains_location"`
	ContainsCity     bool   `json:"contains_city"`
	KnowsLocation    bool   `json:"knows_location"`
	Address          string `json:"address"`
}

const yesNoSystemPrompt = `Du beurteilst, ob die Antwort eines Anrufers eine Zustimmung ist.
Antworte in genau einer Zeile im Format: Begründung -> Ja
oder: Begründung -> Nein`

// YesNo decides whether text is an agreement, given the question that was
// asked. Empty input short-circuits to a declined no-op without touching
// the cache.
func (o *Orchestrator) YesNo(ctx context.Context, text, question string) (YesNoResult, float64, string, error) {
	if strings.TrimSpace(text) == "" {
		return YesNoResult{}, 0.0, SourceUnknown, nil
	}
	input := map[string]string{"frage": question, "antwort": text}
	user := fmt.Sprintf("Frage: %s\nAntwort des Anrufers: %s", question, text)
	return cachedAsk(ctx, o, nsYesNo, input, yesNoSystemPrompt, user, parseYesNo, func(error) YesNoResult {
		return YesNoResult{}
	})
}

func parseYesNo(raw string) (YesNoResult, error) {
	parts := strings.SplitN(raw, "->", 2)
	var reasoning, decision string
	if len(parts) == 2 {
		reasoning = strings.TrimSpace(parts[0])
		decision = strings.TrimSpace(parts[1])
	} else {
		reasoning = noReasoning
		decision = strings.TrimSpace(raw)
	}
	return YesNoResult{
		Agreement: strings.HasPrefix(strings.ToLower(decision), "ja"),
		Reasoning: reasoning,
	}, nil
}

const intentSystemPrompt = `Du klassifizierst das Anliegen eines Anrufers bei einer Notdienstzentrale.
Mögliche Anliegen: Schlüsseldienst, Abschleppdienst, ADAC, Mitarbeiter, Andere.
Antworte in genau einer Zeile im Format: Begründung -> Anliegen`

// ClassifyIntent maps a caller utterance to one of the service intents. A
// model answer naming a human agent surfaces as ErrHumanRequested.
func (o *Orchestrator) ClassifyIntent(ctx context.Context, text string) (IntentResult, float64, string, error) {
	if strings.TrimSpace(text) == "" {
		return IntentResult{Intent: IntentOther}, 0.0, SourceUnknown, nil
	}
	input := map[string]string{"text": text}
	user := "Aussage des Anrufers: " + text
	return cachedAsk(ctx, o, nsIntent, input, intentSystemPrompt, user, parseIntent, func(error) IntentResult {
		return IntentResult{Intent: IntentOther}
	})
}

func parseIntent(raw string) (IntentResult, error) {
	parts := strings.SplitN(raw, "->", 2)
	var reasoning, decision string
	if len(parts) == 2 {
		reasoning = strings.TrimSpace(parts[0])
		decision = strings.TrimSpace(parts[1])
	} else {
		reasoning = noReasoning
		decision = strings.TrimSpace(raw)
	}
	lower := strings.ToLower(decision)
	intent := IntentOther
	switch {
	case strings.Contains(lower, "schlüssel") || strings.Contains(lower, "schluessel"):
		intent = IntentLocksmith
	case strings.Contains(lower, "abschlepp"):
		intent = IntentTowing
	case strings.Contains(lower, "adac"):
		intent = IntentADAC
	}
	return IntentResult{Intent: intent, Reasoning: reasoning}, nil
}

const locationSystemPrompt = `Du extrahierst eine Einsatzadresse aus der Aussage eines Anrufers.
Antworte in genau einer Zeile mit vier Teilen, getrennt durch ->:
Enthält Adresse (Ja/Nein) -> Enthält Ort (Ja/Nein) -> Anrufer kennt Standort (Ja/Nein) -> Adresse`

// ExtractLocation pulls an address and its qualifiers out of a
// transcription. Anything that does not split into the four expected parts
// yields all-false flags and an empty address.
func (o *Orchestrator) ExtractLocation(ctx context.Context, text string) (LocationResult, float64, string, error) {
	if strings.TrimSpace(text) == "" {
		return LocationResult{}, 0.0, SourceUnknown, nil
	}
	input := map[string]string{"text": text}
	user := "Aussage des Anrufers: " + text
	return cachedAsk(ctx, o, nsLocation, input, locationSystemPrompt, user, parseLocation, func(error) LocationResult {
		return LocationResult{}
	})
}

func parseLocation(raw string) (LocationResult, error) {
	parts := strings.SplitN(raw, "->", 4)
	if len(parts) < 4 {
		return LocationResult{}, nil
	}
	isYes := func(s string) bool {
		return strings.EqualFold(strings.TrimSpace(s), "ja")
	}
	return LocationResult{
		ContainsLocation: isYes(parts[0]),
		ContainsCity:     isYes(parts[1]),
		KnowsLocation:    isYes(parts[2]),
		Address:          strings.TrimSpace(parts[3]),
	}, nil
}

const plzSystemPrompt = `Du bestimmst die Postleitzahl zu einer Position in Deutschland oder Österreich.
Antworte ausschließlich mit der vier- oder fünfstelligen Postleitzahl, ohne weiteren Text.`

var errNoPLZ = errors.New("llm: no usable plz")

// CorrectPLZ asks the model for the postal code of a position when
// geocoding produced a malformed one. The call is bounded by its own
// timeout; any answer that is not a 4-or-5-digit number comes back empty.
func (o *Orchestrator) CorrectPLZ(ctx context.Context, description string, lat, lng float64) (string, float64, string, error) {
	if strings.TrimSpace(description) == "" {
		return "", 0.0, SourceUnknown, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.plzTimeout)
	defer cancel()

	input := map[string]string{
		"standort": description,
		"lat":      fmt.Sprintf("%.5f", lat),
		"lng":      fmt.Sprintf("%.5f", lng),
	}
	user := fmt.Sprintf("Beschreibung: %s\nBreitengrad: %.5f\nLängengrad: %.5f", description, lat, lng)
	plz, elapsed, source, err := cachedAsk(ctx, o, nsPLZ, input, plzSystemPrompt, user, parsePLZ, func(error) string {
		return ""
	})
	// The bounded context expiring is expected here, not a call-fatal
	// timeout.
	if err != nil && !errors.Is(err, ErrHumanRequested) {
		return "", elapsed, source, nil
	}
	return plz, elapsed, source, err
}

func parsePLZ(raw string) (string, error) {
	plz := strings.TrimSpace(raw)
	if len(plz) != 4 && len(plz) != 5 {
		return "", errNoPLZ
	}
	for _, r := range plz {
		if r < '0' || r > '9' {
			return "", errNoPLZ
		}
	}
	return plz, nil
}
