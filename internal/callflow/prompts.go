package callflow

import "fmt"

// Spoken prompts, in the order a caller meets them. Every prompt is
// logged to the transcript with the agent role before it is rendered.
const (
	promptGreeting = "Herzlich willkommen bei der Notdienststation. Wie kann ich Ihnen helfen?"

	promptIntentRetry = "Das habe ich leider nicht verstanden. Benötigen Sie einen Schlüsseldienst oder einen Abschleppdienst?"

	promptAskAddress = "Bitte nennen Sie mir nach dem Ton die Adresse des Einsatzortes mit Straße, Hausnummer und Ort. Drücken Sie anschließend die Raute-Taste."

	promptProcessing = "Einen Moment bitte, ich verarbeite Ihre Angaben."

	promptStillProcessing = "Einen Moment noch, bitte bleiben Sie dran."

	promptAskPLZ = "Bitte geben Sie die Postleitzahl des Einsatzortes über die Telefontastatur ein, oder sprechen Sie sie deutlich aus."

	promptOfferSMS = "Ich kann Ihnen eine SMS mit einem Link senden, über den Sie uns Ihren Standort direkt vom Handy aus mitteilen können. Möchten Sie das?"

	promptSMSSent = "Die SMS ist unterwegs. Bitte öffnen Sie den Link und teilen Sie Ihren Standort. Wir rufen Sie direkt danach zurück. Auf Wiederhören."

	promptTransfer = "Ich verbinde Sie jetzt mit einem Mitarbeiter. Einen Moment bitte."

	promptTransferApology = "Entschuldigung, das hat leider nicht geklappt. Ich verbinde Sie mit einem Mitarbeiter."

	promptNextContact = "Der Mitarbeiter ist leider nicht erreichbar. Ich versuche den nächsten Kollegen."

	promptNoStaff = "Es tut mir leid, im Moment ist leider kein Mitarbeiter erreichbar. Bitte versuchen Sie es in einigen Minuten erneut. Auf Wiederhören."

	promptDeclineGoodbye = "Alles klar, dann nicht. Vielen Dank für Ihren Anruf und auf Wiederhören."

	promptTechnicalError = "Es tut uns leid, es ist ein technischer Fehler aufgetreten. Bitte rufen Sie in einigen Minuten noch einmal an."

	promptCallbackGreeting = "Hallo, hier ist noch einmal die Notdienststation. Vielen Dank, wir haben Ihren Standort erhalten. Ich verbinde Sie jetzt mit einem Mitarbeiter."
)

// Questions passed to the agreement decision so the model sees what the
// caller is answering.
const (
	questionConfirmAddress = "Ist die genannte Einsatzadresse richtig?"
	questionOfferSMS       = "Möchten Sie eine SMS mit einem Standort-Link erhalten?"
	questionAcceptOffer    = "Ist der Anrufer mit Preis und Wartezeit einverstanden?"
)

// Transcript markers for turns that produced no usable model output.
const (
	markerTimeout        = "<Request timed out>"
	markerHumanRequested = "<User requested human agent>"
)

// HangupReasonNoStaff is recorded when the transfer queue runs dry.
const HangupReasonNoStaff = "Keine Mitarbeiter erreichbar"

// Hangup reasons for calls that end without a transfer attempt.
const (
	hangupReasonSMSSent  = "Standort-SMS versendet"
	hangupReasonDeclined = "Angebot abgelehnt"
)

func promptConfirmAddress(address string) string {
	return fmt.Sprintf("Ich habe folgende Adresse verstanden: %s. Ist das richtig?", address)
}

func promptOffer(price, etaMinutes int) string {
	return fmt.Sprintf("Wir können in etwa %d Minuten bei Ihnen sein. Der Festpreis dafür beträgt %d Euro. Sind Sie damit einverstanden?", etaMinutes, price)
}
