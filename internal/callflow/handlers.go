package callflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/twiml"
	"go.opentelemetry.io/otel/attribute"

	"github.com/notdienststation/dispatch/internal/llm"
	"github.com/notdienststation/dispatch/internal/pricing"
	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/internal/telephony"
)

// HandleIncomingCall answers a fresh call. Direct-forward and vacation
// services bypass the agent entirely; repeat callers with surviving
// context are fast-tracked to a transfer; everyone else gets the
// greeting and the first intent question.
func (f *Flow) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wh, err := telephony.ParseWebhook(r)
	if err != nil {
		f.logger.Error("webhook parse failed", "path", r.URL.Path, "error", err)
		f.respondTechnicalError(ctx, w, store.AnonymousCaller())
		return
	}
	caller := store.ParseCaller(wh.From)

	svc, err := f.services.ByNumber(ctx, wh.To)
	if err != nil {
		f.logger.Error("service lookup by number failed", "to", wh.To, "error", err)
	}
	if svc == nil {
		svc, err = f.services.Get(ctx, services.DefaultID)
		if err != nil {
			f.logger.Error("default service unavailable", "error", err)
			f.respondTechnicalError(ctx, w, caller)
			return
		}
	}

	if _, err := f.store.InitCall(ctx, caller, svc.ID); err != nil {
		f.logger.Error("call init failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return
	}
	f.logger.Info("incoming call", "caller", caller.Key(), "service", svc.ID, "to", wh.To)

	if fwd := strings.TrimSpace(svc.DirectForward); fwd != "" {
		f.metrics.ObserveCall(svc.ID, "direct")
		f.logProvider(ctx, caller, "Direkt weitergeleitet an "+fwd)
		f.prompter.Respond(w, f.prompter.DialDirect(fwd))
		return
	}
	if svc.Vacation.OnVacation(f.now().In(f.loc)) && strings.TrimSpace(svc.EmergencyContact.Phone) != "" {
		f.metrics.ObserveCall(svc.ID, "vacation")
		f.logProvider(ctx, caller, "Urlaubsmodus: weitergeleitet an "+svc.EmergencyContact.Phone)
		f.prompter.Respond(w, f.prompter.DialDirect(svc.EmergencyContact.Phone))
		return
	}

	// A caller we already served keeps their accepted contact or at least
	// their classified intent for a day. Skip the interview either way.
	if to, err := f.store.GetTransferredTo(ctx, caller); err == nil && to != nil {
		f.metrics.ObserveCall(svc.ID, "repeat")
		if err := f.store.QueueSet(ctx, caller, []store.QueueEntry{{Name: to.Name, Phone: to.Phone}}); err != nil {
			f.logger.Warn("repeat caller queue seed failed", "caller", caller.Key(), "error", err)
		}
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
		return
	}
	if intent, err := f.store.Intent(ctx, caller); err == nil && intent != "" {
		f.metrics.ObserveCall(svc.ID, "repeat")
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
		return
	}

	f.metrics.ObserveCall(svc.ID, "new")
	f.prompter.Respond(w, f.prompter.GatherSpeech(f.absURL("/parse-intent-1"), f.greetingVerb(ctx, caller)))
}

// greetingVerb returns the greeting as a cached audio play when synthesis
// is wired, falling back to the provider voice.
func (f *Flow) greetingVerb(ctx context.Context, caller store.CallerID) twiml.Element {
	f.logPrompt(ctx, caller, promptGreeting)
	if f.tts == nil {
		return f.prompter.Say(promptGreeting)
	}
	tctx, cancel := context.WithTimeout(ctx, greetingSynthesisTimeout)
	defer cancel()
	key, err := f.tts.Synthesize(tctx, promptGreeting)
	if err != nil {
		f.logger.Warn("greeting synthesis failed, using provider voice", "error", err)
		return f.prompter.Say(promptGreeting)
	}
	return f.prompter.Play(f.absURL("/audio/" + key + ".mp3"))
}

// HandleParseIntentFirst classifies the caller's first utterance.
func (f *Flow) HandleParseIntentFirst(w http.ResponseWriter, r *http.Request) {
	f.parseIntent(w, r, false)
}

// HandleParseIntentSecond classifies the retry utterance. No third try:
// anything still unclear goes to a human.
func (f *Flow) HandleParseIntentSecond(w http.ResponseWriter, r *http.Request) {
	f.parseIntent(w, r, true)
}

func (f *Flow) parseIntent(w http.ResponseWriter, r *http.Request, final bool) {
	ctx, wh, caller, svc, ok := f.begin(w, r)
	if !ok {
		return
	}
	ctx, span := flowTracer.Start(ctx, "callflow.parse_intent")
	defer span.End()

	utterance := wh.Utterance()
	if utterance != "" {
		f.logUtterance(ctx, caller, utterance)
	}

	lctx, cancel := f.llmCtx(ctx)
	res, elapsed, source, err := f.llm.ClassifyIntent(lctx, utterance)
	cancel()
	if err != nil {
		f.respondLLMFailure(ctx, w, caller, svc, wh.To, err)
		return
	}
	f.metrics.ObserveLLM("classify_intent", source)
	span.SetAttributes(attribute.String("dispatch.call.intent", res.Intent))
	f.logAI(ctx, caller, fmt.Sprintf("Anliegen: %s (%s)", res.Intent, res.Reasoning), elapsed, source)

	switch res.Intent {
	case llm.IntentLocksmith, llm.IntentTowing:
		f.storeIntent(ctx, caller, res.Intent)
		f.redirect(w, "/ask-adress")
	case llm.IntentADAC:
		// ADAC members are not quoted, the towing fleet takes them over
		// directly.
		f.storeIntent(ctx, caller, res.Intent)
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
	default:
		if final {
			f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
			return
		}
		f.prompter.Respond(w, f.prompter.GatherSpeech(f.absURL("/parse-intent-2"), f.say(ctx, caller, promptIntentRetry)))
	}
}

func (f *Flow) storeIntent(ctx context.Context, caller store.CallerID, intent string) {
	if err := f.store.SetIntent(ctx, caller, intent); err != nil {
		f.logger.Warn("intent store failed", "caller", caller.Key(), "error", err)
	}
	if err := f.store.SetJobField(ctx, caller, "anliegen", intent); err != nil {
		f.logger.Warn("job field store failed", "caller", caller.Key(), "field", "anliegen", "error", err)
	}
}

// HandleAskAddress asks for the deployment address and records the
// answer. The recording is transcribed out of band; the call continues
// at the processing loop.
func (f *Flow) HandleAskAddress(w http.ResponseWriter, r *http.Request) {
	ctx, _, caller, _, ok := f.begin(w, r)
	if !ok {
		return
	}
	f.prompter.Respond(w,
		f.say(ctx, caller, promptAskAddress),
		f.prompter.RecordStatement(
			f.absURL("/process-address"),
			f.recordingCallbackURL(caller, store.RecordingInitial),
		),
	)
}

// HandleProcessAddress receives the finished address recording, kicks off
// the background transcription, and parks the caller in the polling loop.
func (f *Flow) HandleProcessAddress(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, _, ok := f.begin(w, r)
	if !ok {
		return
	}
	if wh.RecordingURL != "" {
		go f.transcribeRecording(caller, wh.RecordingURL)
	} else {
		f.logger.Warn("address record callback without media URL", "caller", caller.Key())
	}
	f.prompter.Respond(w,
		f.say(ctx, caller, promptProcessing),
		f.prompter.Pause(2),
		f.prompter.Redirect(f.absURL("/address-processed?attempt=1")),
	)
}

// transcribeRecording downloads and transcribes a finished recording and
// stores the text for the polling loop. Runs detached from the webhook
// request.
func (f *Flow) transcribeRecording(caller store.CallerID, mediaURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	audio, _, err := f.fetcher.Download(ctx, mediaURL+".mp3")
	if err != nil {
		f.logger.Error("address recording download failed", "caller", caller.Key(), "error", err)
		return
	}
	text, err := f.stt.Transcribe(ctx, audio, "address.mp3")
	if err != nil {
		f.logger.Error("address transcription failed", "caller", caller.Key(), "error", err)
		return
	}
	if text == "" {
		f.logger.Warn("address transcription empty", "caller", caller.Key())
		return
	}
	if err := f.store.SetTranscription(ctx, caller, text); err != nil {
		f.logger.Error("transcription store failed", "caller", caller.Key(), "error", err)
		return
	}
	f.logUtterance(ctx, caller, text)
}

// HandleAddressProcessed polls for the transcription and, once present,
// extracts the deployment location from it. The poll loop is bounded; a
// transcription that never arrives ends at a human.
func (f *Flow) HandleAddressProcessed(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, svc, ok := f.begin(w, r)
	if !ok {
		return
	}
	ctx, span := flowTracer.Start(ctx, "callflow.address_processed")
	defer span.End()

	text, err := f.store.Transcription(ctx, caller)
	if err != nil {
		f.logger.Error("transcription read failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return
	}
	if text == "" {
		attempt, _ := strconv.Atoi(r.URL.Query().Get("attempt"))
		if attempt < 1 {
			attempt = 1
		}
		span.SetAttributes(attribute.Int("dispatch.call.poll_attempt", attempt))
		if attempt >= maxTranscriptionPolls {
			f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransferApology)
			return
		}
		verbs := []twiml.Element{f.prompter.Pause(2)}
		if attempt > 1 {
			// Tail dedup in the transcript keeps this from stacking up.
			verbs = append([]twiml.Element{f.say(ctx, caller, promptStillProcessing)}, verbs...)
		}
		verbs = append(verbs, f.prompter.Redirect(f.absURL("/address-processed?attempt="+strconv.Itoa(attempt+1))))
		f.prompter.Respond(w, verbs...)
		return
	}

	lctx, cancel := f.llmCtx(ctx)
	res, elapsed, source, err := f.llm.ExtractLocation(lctx, text)
	cancel()
	if err != nil {
		f.respondLLMFailure(ctx, w, caller, svc, wh.To, err)
		return
	}
	f.metrics.ObserveLLM("extract_location", source)
	f.logAI(ctx, caller, fmt.Sprintf("Standort: %q (Adresse: %t, Ort: %t, bekannt: %t)",
		res.Address, res.ContainsLocation, res.ContainsCity, res.KnowsLocation), elapsed, source)

	if res.ContainsLocation && res.ContainsCity {
		result, err := f.geocoder.Resolve(ctx, res.Address)
		if err != nil {
			f.logger.Warn("address geocoding failed", "caller", caller.Key(), "error", err)
			result = nil
		}
		if result != nil {
			f.logGoogle(ctx, caller, fmt.Sprintf("Geocoding: %s (%s)", result.FormattedAddress, result.Country))
			f.storeLocation(ctx, caller, &result.Location)
			f.prompter.Respond(w, f.prompter.GatherSpeech(
				f.absURL("/confirm-address"),
				f.say(ctx, caller, promptConfirmAddress(result.FormattedAddress)),
			))
			return
		}
	}
	if !res.KnowsLocation {
		f.redirect(w, "/ask-send-sms")
		return
	}
	f.redirect(w, "/ask-plz")
}

func (f *Flow) storeLocation(ctx context.Context, caller store.CallerID, loc *store.Location) {
	if err := f.store.SetLocation(ctx, caller, loc); err != nil {
		f.logger.Error("location store failed", "caller", caller.Key(), "error", err)
	}
	address := loc.FormattedAddress
	if address == "" && loc.PLZ != "" {
		address = "PLZ " + loc.PLZ
	}
	if address != "" {
		if err := f.store.SetJobField(ctx, caller, "einsatzort", address); err != nil {
			f.logger.Warn("job field store failed", "caller", caller.Key(), "field", "einsatzort", "error", err)
		}
	}
}

// HandleConfirmAddress reads the caller's verdict on the geocoded
// address.
func (f *Flow) HandleConfirmAddress(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, svc, ok := f.begin(w, r)
	if !ok {
		return
	}
	utterance := wh.Utterance()
	if utterance != "" {
		f.logUtterance(ctx, caller, utterance)
	}

	lctx, cancel := f.llmCtx(ctx)
	res, elapsed, source, err := f.llm.YesNo(lctx, utterance, questionConfirmAddress)
	cancel()
	if err != nil {
		f.respondLLMFailure(ctx, w, caller, svc, wh.To, err)
		return
	}
	f.metrics.ObserveLLM("yes_no", source)
	f.logAI(ctx, caller, fmt.Sprintf("Zustimmung: %t (%s)", res.Agreement, res.Reasoning), elapsed, source)

	if res.Agreement {
		f.redirect(w, "/start-pricing")
		return
	}
	f.redirect(w, "/ask-plz")
}

// HandleAskPLZ asks for the postal code, accepting both speech and DTMF.
func (f *Flow) HandleAskPLZ(w http.ResponseWriter, r *http.Request) {
	ctx, _, caller, _, ok := f.begin(w, r)
	if !ok {
		return
	}
	f.prompter.Respond(w, f.prompter.GatherSpeechAndDigits(
		f.absURL("/process-plz"), 5,
		f.say(ctx, caller, promptAskPLZ),
	))
}

var digitRun = regexp.MustCompile(`[0-9]+`)

// extractPLZ pulls the first 4-or-5-digit group out of an utterance.
// Speech results tend to space or punctuate the digits, so separators are
// dropped before matching.
func extractPLZ(utterance string) string {
	compact := strings.NewReplacer(" ", "", ".", "", "-", "", ",", "").Replace(utterance)
	for _, run := range digitRun.FindAllString(compact, -1) {
		if len(run) == 4 || len(run) == 5 {
			return run
		}
	}
	return ""
}

// HandleProcessPLZ geocodes the given postal code. Only positions inside
// the service territory are priced; everything else falls back to the
// location-share offer.
func (f *Flow) HandleProcessPLZ(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, _, ok := f.begin(w, r)
	if !ok {
		return
	}
	utterance := wh.Utterance()
	if utterance != "" {
		f.logUtterance(ctx, caller, utterance)
	}

	plz := extractPLZ(utterance)
	if plz == "" {
		f.redirect(w, "/ask-send-sms")
		return
	}
	result, err := f.geocoder.Resolve(ctx, plz)
	if err != nil {
		f.logger.Warn("plz geocoding failed", "caller", caller.Key(), "plz", plz, "error", err)
		result = nil
	}
	if result == nil {
		f.redirect(w, "/ask-send-sms")
		return
	}
	f.logGoogle(ctx, caller, fmt.Sprintf("Geocoding PLZ %s: %s (%s)", plz, result.FormattedAddress, result.Country))
	if !result.InArea() {
		f.redirect(w, "/ask-send-sms")
		return
	}
	f.storeLocation(ctx, caller, &result.Location)
	f.redirect(w, "/start-pricing")
}

// HandleAskSendSMS offers the location-share link. Callers who cannot
// receive one, because they suppressed their number or no SMS channel is
// wired, go straight to a human.
func (f *Flow) HandleAskSendSMS(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, svc, ok := f.begin(w, r)
	if !ok {
		return
	}
	if caller.IsAnonymous() || f.sms == nil {
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
		return
	}
	f.prompter.Respond(w, f.prompter.GatherSpeech(
		f.absURL("/process-sms-offer"),
		f.say(ctx, caller, promptOfferSMS),
	))
}

// HandleProcessSMSOffer sends the location-share SMS on agreement and
// ends the call; a decline or silence hands over to a human.
func (f *Flow) HandleProcessSMSOffer(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, svc, ok := f.begin(w, r)
	if !ok {
		return
	}
	utterance := wh.Utterance()
	if utterance != "" {
		f.logUtterance(ctx, caller, utterance)
	}

	lctx, cancel := f.llmCtx(ctx)
	res, elapsed, source, err := f.llm.YesNo(lctx, utterance, questionOfferSMS)
	cancel()
	if err != nil {
		f.respondLLMFailure(ctx, w, caller, svc, wh.To, err)
		return
	}
	f.metrics.ObserveLLM("yes_no", source)
	f.logAI(ctx, caller, fmt.Sprintf("Zustimmung: %t (%s)", res.Agreement, res.Reasoning), elapsed, source)

	if !res.Agreement || caller.IsAnonymous() || f.sms == nil {
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
		return
	}

	link, err := f.store.CreateLink(ctx, caller.E164(), svc.ID)
	if err != nil {
		f.logger.Error("location link creation failed", "caller", caller.Key(), "error", err)
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransferApology)
		return
	}
	body := fmt.Sprintf("Notdienststation: Bitte teilen Sie uns Ihren Standort über diesen Link mit: %s/location/%d", f.serverURL, link.LinkID)
	if err := f.sms.Send(ctx, caller.E164(), body); err != nil {
		f.logger.Error("location sms failed", "caller", caller.Key(), "error", err)
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransferApology)
		return
	}
	f.logProvider(ctx, caller, fmt.Sprintf("Standort-SMS versendet (Link %d)", link.LinkID))
	if err := f.store.SetHangupReason(ctx, caller, hangupReasonSMSSent); err != nil {
		f.logger.Warn("hangup reason store failed", "caller", caller.Key(), "error", err)
	}
	f.prompter.Respond(w, f.say(ctx, caller, promptSMSSent), f.prompter.Hangup())
}

// HandleStartPricing quotes the located job and reads the offer to the
// caller. The winning provider's contacts become the transfer queue, so
// an accepted offer dials the people closest to the job.
func (f *Flow) HandleStartPricing(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, svc, ok := f.begin(w, r)
	if !ok {
		return
	}
	loc, err := f.store.GetLocation(ctx, caller)
	if err != nil {
		f.logger.Error("location read failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return
	}
	if loc == nil {
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransferApology)
		return
	}
	intent, err := f.store.Intent(ctx, caller)
	if err != nil {
		f.logger.Warn("intent read failed", "caller", caller.Key(), "error", err)
	}
	category := services.CategoryForIntent(intent)
	if category == "" {
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
		return
	}

	offer, err := f.quoter.Quote(ctx, svc, category, loc.Latitude, loc.Longitude)
	if err != nil {
		if errors.Is(err, pricing.ErrNoProvider) {
			f.logger.Warn("no provider reachable for quote", "caller", caller.Key(), "service", svc.ID)
			f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
			return
		}
		f.logger.Error("quote failed", "caller", caller.Key(), "error", err)
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransferApology)
		return
	}

	f.storeOffer(ctx, caller, svc, offer)
	f.prompter.Respond(w, f.prompter.GatherSpeech(
		f.absURL("/parse-connection-request"),
		f.say(ctx, caller, promptOffer(offer.Price, offer.ETA)),
	))
}

func (f *Flow) storeOffer(ctx context.Context, caller store.CallerID, svc *services.Service, offer *pricing.Offer) {
	fields := map[string]string{
		"preis":    strconv.Itoa(offer.Price),
		"eta":      strconv.Itoa(offer.ETA),
		"anbieter": offer.Provider.Name,
	}
	for field, value := range fields {
		if err := f.store.SetJobField(ctx, caller, field, value); err != nil {
			f.logger.Warn("job field store failed", "caller", caller.Key(), "field", field, "error", err)
		}
	}

	entries := make([]store.QueueEntry, 0, len(offer.Provider.Contacts)+1)
	for _, c := range offer.Provider.Contacts {
		if strings.TrimSpace(c.Phone) == "" {
			continue
		}
		entries = append(entries, store.QueueEntry{Name: c.Name, Phone: c.Phone})
	}
	entries = appendEmergencyContact(entries, svc)
	if err := f.store.QueueSet(ctx, caller, entries); err != nil {
		f.logger.Warn("offer queue store failed", "caller", caller.Key(), "error", err)
	}
}

// HandleParseConnectionRequest reads the caller's verdict on the offer.
func (f *Flow) HandleParseConnectionRequest(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, svc, ok := f.begin(w, r)
	if !ok {
		return
	}
	utterance := wh.Utterance()
	if utterance != "" {
		f.logUtterance(ctx, caller, utterance)
	}

	lctx, cancel := f.llmCtx(ctx)
	res, elapsed, source, err := f.llm.YesNo(lctx, utterance, questionAcceptOffer)
	cancel()
	if err != nil {
		f.respondLLMFailure(ctx, w, caller, svc, wh.To, err)
		return
	}
	f.metrics.ObserveLLM("yes_no", source)
	f.logAI(ctx, caller, fmt.Sprintf("Zustimmung: %t (%s)", res.Agreement, res.Reasoning), elapsed, source)

	if res.Agreement {
		f.respondTransfer(ctx, w, caller, svc, wh.To, promptTransfer)
		return
	}
	if err := f.store.SetHangupReason(ctx, caller, hangupReasonDeclined); err != nil {
		f.logger.Warn("hangup reason store failed", "caller", caller.Key(), "error", err)
	}
	f.prompter.Respond(w, f.say(ctx, caller, promptDeclineGoodbye), f.prompter.Hangup())
}
