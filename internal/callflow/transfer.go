package callflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/internal/store"
	"github.com/notdienststation/dispatch/internal/telephony"
)

// populateQueue fills an empty transfer queue from the caller's context:
// the contacts of the intent category in position order, the emergency
// contact as the last resort. A pre-seeded queue is left alone. When no
// intent artifact exists, fallbackCategory picks the contact list.
func (f *Flow) populateQueue(ctx context.Context, caller store.CallerID, svc *services.Service, fallbackCategory string) error {
	n, err := f.store.QueueLen(ctx, caller)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var entries []store.QueueEntry
	intent, err := f.store.Intent(ctx, caller)
	if err != nil {
		return err
	}
	category := services.CategoryForIntent(intent)
	if category == "" {
		category = fallbackCategory
	}
	if category != "" {
		for _, c := range svc.ContactsByCategory(category) {
			if strings.TrimSpace(c.Phone) == "" {
				continue
			}
			entries = append(entries, store.QueueEntry{Name: c.Name, Phone: c.Phone})
		}
	}
	entries = appendEmergencyContact(entries, svc)
	if len(entries) == 0 {
		return nil
	}
	return f.store.QueueSet(ctx, caller, entries)
}

// appendEmergencyContact puts the service's emergency contact at the tail
// of the queue unless already listed.
func appendEmergencyContact(entries []store.QueueEntry, svc *services.Service) []store.QueueEntry {
	phone := strings.TrimSpace(svc.EmergencyContact.Phone)
	if phone == "" {
		return entries
	}
	for _, e := range entries {
		if e.Phone == phone {
			return entries
		}
	}
	return append(entries, store.QueueEntry{Name: svc.EmergencyContact.Name, Phone: phone})
}

// nextContact prepares the transfer queue and returns its head. Queue
// failures and an empty queue are already answered on w when ok is false.
func (f *Flow) nextContact(ctx context.Context, w http.ResponseWriter, caller store.CallerID, svc *services.Service, fallbackCategory string) (*store.QueueEntry, bool) {
	if err := f.populateQueue(ctx, caller, svc, fallbackCategory); err != nil {
		f.logger.Error("transfer queue populate failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return nil, false
	}
	head, err := f.store.QueuePeek(ctx, caller)
	if err != nil {
		f.logger.Error("transfer queue peek failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return nil, false
	}
	if head == nil {
		f.respondNoStaff(ctx, w, caller)
		return nil, false
	}
	return head, true
}

// respondTransfer announces the hand-off and dials the queue head. The
// dial outcome comes back on the transfer action, which advances the
// queue until a contact answers or the queue runs dry.
func (f *Flow) respondTransfer(ctx context.Context, w http.ResponseWriter, caller store.CallerID, svc *services.Service, dialFrom, announcement string) {
	head, ok := f.nextContact(ctx, w, caller, svc, "")
	if !ok {
		return
	}
	f.prompter.Respond(w,
		f.say(ctx, caller, announcement),
		f.prompter.DialContact(head.Phone, f.transferActionURL(head), dialFrom, f.dialTimeout),
	)
}

// respondTransferRecorded is respondTransfer for the follow-up leg: the
// queue falls back to the given category when no intent artifact exists,
// and the bridged call is recorded as the follow-up artifact.
func (f *Flow) respondTransferRecorded(ctx context.Context, w http.ResponseWriter, caller store.CallerID, svc *services.Service, dialFrom, fallbackCategory, announcement string) {
	head, ok := f.nextContact(ctx, w, caller, svc, fallbackCategory)
	if !ok {
		return
	}
	f.prompter.Respond(w,
		f.say(ctx, caller, announcement),
		f.prompter.DialContactRecorded(head.Phone, f.transferActionURL(head), dialFrom, f.dialTimeout,
			f.recordingCallbackURL(caller, store.RecordingFollowup)),
	)
}

func (f *Flow) transferActionURL(e *store.QueueEntry) string {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		name = "Mitarbeiter"
	}
	return f.absURL("/parse-transfer-call/" + url.PathEscape(name) + "/" + url.PathEscape(store.EncodePhone(e.Phone)))
}

// respondNoStaff ends the call after the queue ran dry.
func (f *Flow) respondNoStaff(ctx context.Context, w http.ResponseWriter, caller store.CallerID) {
	if err := f.store.SetHangupReason(ctx, caller, HangupReasonNoStaff); err != nil {
		f.logger.Warn("hangup reason store failed", "caller", caller.Key(), "error", err)
	}
	f.prompter.Respond(w, f.say(ctx, caller, promptNoStaff), f.prompter.Hangup())
}

// pathParam reads a chi route parameter, undoing path escaping when the
// router preserved it.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

// HandleTransferResult processes the outcome of one transfer dial. An
// answered contact closes out the call; anything else advances the queue
// and dials the next contact.
func (f *Flow) HandleTransferResult(w http.ResponseWriter, r *http.Request) {
	ctx, wh, caller, _, ok := f.begin(w, r)
	if !ok {
		return
	}
	name := pathParam(r, "name")
	phone := store.DecodePhone(pathParam(r, "phone"))
	status := wh.DialCallStatus

	f.metrics.ObserveTransfer(status)
	f.logger.Info("transfer dial result", "caller", caller.Key(), "contact", phone, "status", status)

	if status == "completed" {
		if err := f.store.SetTransferredTo(ctx, caller, store.TransferredTo{Phone: phone, Name: name}); err != nil {
			f.logger.Warn("transferred_to store failed", "caller", caller.Key(), "error", err)
		}
		f.logProvider(ctx, caller, fmt.Sprintf("Weitergeleitet an %s (%s)", name, phone))
		go f.sendJobDetails(caller, name, phone)
		f.prompter.Respond(w, f.prompter.Hangup())
		return
	}

	if err := f.store.QueueAdvance(ctx, caller); err != nil {
		f.logger.Warn("transfer queue advance failed", "caller", caller.Key(), "error", err)
	}
	head, err := f.store.QueuePeek(ctx, caller)
	if err != nil {
		f.logger.Error("transfer queue peek failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return
	}
	if head == nil {
		f.respondNoStaff(ctx, w, caller)
		return
	}
	f.prompter.Respond(w,
		f.say(ctx, caller, promptNextContact),
		f.prompter.DialContact(head.Phone, f.transferActionURL(head), wh.To, f.dialTimeout),
	)
}

// sendJobDetails texts the collected job facts to the contact who
// accepted the call. Runs detached from the webhook request.
func (f *Flow) sendJobDetails(caller store.CallerID, contactName, contactPhone string) {
	if f.sms == nil || strings.TrimSpace(contactPhone) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	info, err := f.store.JobInfo(ctx, caller)
	if err != nil {
		f.logger.Warn("job info read failed", "caller", caller.Key(), "error", err)
		info = map[string]string{}
	}
	loc, err := f.store.GetLocation(ctx, caller)
	if err != nil {
		loc = nil
	}

	var b strings.Builder
	b.WriteString("Notdienststation Auftrag")
	if v := info["anliegen"]; v != "" {
		fmt.Fprintf(&b, "\nAnliegen: %s", v)
	}
	if v := info["einsatzort"]; v != "" {
		fmt.Fprintf(&b, "\nEinsatzort: %s", v)
	}
	if v := info["preis"]; v != "" {
		fmt.Fprintf(&b, "\nFestpreis: %s Euro", v)
	}
	if v := info["eta"]; v != "" {
		fmt.Fprintf(&b, "\nAnfahrt: ca. %s Minuten", v)
	}
	if !caller.IsAnonymous() {
		fmt.Fprintf(&b, "\nAnrufer: %s", caller.E164())
	}
	if loc != nil && loc.GoogleMapsLink != "" {
		fmt.Fprintf(&b, "\n%s", loc.GoogleMapsLink)
	}

	if err := f.sms.Send(ctx, contactPhone, b.String()); err != nil {
		f.logger.Error("job details sms failed", "contact", contactPhone, "error", err)
		return
	}
	f.logger.Info("job details sent", "contact", contactName, "caller", caller.Key())
}

// HandleCallStatus receives the provider's call status callbacks. A
// terminal status summarizes the call for the operator channel and clears
// the transient state; artifacts survive for the repeat-caller rules.
func (f *Flow) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wh, err := telephony.ParseWebhook(r)
	if err != nil {
		f.logger.Error("status webhook parse failed", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	switch wh.CallStatus {
	case "completed", "busy", "failed", "no-answer", "canceled":
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	caller := store.ParseCaller(wh.From)
	f.logger.Info("call ended", "caller", caller.Key(), "status", wh.CallStatus)

	summary := f.callSummary(ctx, caller, wh.CallStatus)
	if err := f.store.CleanupCall(ctx, caller); err != nil {
		f.logger.Error("call cleanup failed", "caller", caller.Key(), "error", err)
	}
	if f.notifier != nil && summary != "" {
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
			defer cancel()
			if err := f.notifier.Notify(nctx, summary); err != nil {
				f.logger.Warn("call summary notification failed", "error", err)
			}
		}()
	}
	w.WriteHeader(http.StatusOK)
}

// callSummary renders the operator notification for a finished call.
func (f *Flow) callSummary(ctx context.Context, caller store.CallerID, status string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Anruf beendet: %s (%s)", caller.Key(), status)
	if id, err := f.store.Service(ctx, caller); err == nil && id != "" {
		fmt.Fprintf(&b, "\nService: %s", id)
	}
	if to, err := f.store.GetTransferredTo(ctx, caller); err == nil && to != nil {
		fmt.Fprintf(&b, "\nWeitergeleitet an: %s (%s)", to.Name, to.Phone)
	}
	if reason, err := f.store.HangupReason(ctx, caller); err == nil && reason != "" {
		fmt.Fprintf(&b, "\nGrund: %s", reason)
	}
	if msgs, err := f.store.Messages(ctx, caller); err == nil && len(msgs) > 0 {
		b.WriteString("\n\nTranskript:")
		for _, m := range msgs {
			b.WriteString("\n")
			b.WriteString(m.Render())
		}
	}
	return b.String()
}

// HandleLocationCallback runs the follow-up call after a location share.
// The caller identity rides in the path because this leg is outbound:
// the shared location is priced, the matching queue is seeded, and the
// call goes straight to transfer with the bridged leg recorded.
func (f *Flow) HandleLocationCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := flowTracer.Start(r.Context(), "callflow.location_callback")
	defer span.End()
	caller := store.KnownCaller(store.DecodePhone(pathParam(r, "phone")))

	wh, err := telephony.ParseWebhook(r)
	if err != nil {
		f.logger.Error("webhook parse failed", "path", r.URL.Path, "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return
	}

	// The original call state usually expired before the caller shared;
	// reseed it so the transcript and recordings have a home.
	id, err := f.store.Service(ctx, caller)
	if err != nil {
		f.logger.Error("service read failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return
	}
	if id == "" {
		id = r.URL.Query().Get("service")
		if id == "" {
			id = services.DefaultID
		}
		if _, err := f.store.InitCall(ctx, caller, id); err != nil {
			f.logger.Error("follow-up call init failed", "caller", caller.Key(), "error", err)
			f.respondTechnicalError(ctx, w, caller)
			return
		}
	}
	svc, err := f.services.Get(ctx, id)
	if err != nil {
		f.logger.Error("service lookup failed", "caller", caller.Key(), "error", err)
		f.respondTechnicalError(ctx, w, caller)
		return
	}
	f.metrics.ObserveCall(svc.ID, "callback")

	category := services.CategoryTowing
	if intent, err := f.store.Intent(ctx, caller); err == nil {
		if c := services.CategoryForIntent(intent); c != "" {
			category = c
		}
	}

	if loc := f.sharedCoordinates(ctx, caller); loc != nil {
		offer, err := f.quoter.Quote(ctx, svc, category, loc.Latitude, loc.Longitude)
		if err != nil {
			f.logger.Warn("follow-up quote failed", "caller", caller.Key(), "error", err)
		} else {
			f.storeOffer(ctx, caller, svc, offer)
		}
	} else {
		f.logger.Warn("follow-up call without a shared location", "caller", caller.Key())
	}

	f.respondTransferRecorded(ctx, w, caller, svc, wh.From, category, promptCallbackGreeting)
}

// sharedCoordinates prefers the reverse-geocoded location and falls back
// to the raw browser coordinates.
func (f *Flow) sharedCoordinates(ctx context.Context, caller store.CallerID) *store.Location {
	loc, err := f.store.GetLocation(ctx, caller)
	if err == nil && loc != nil {
		return loc
	}
	shared, err := f.store.GetSharedLocation(ctx, caller)
	if err != nil || shared == nil {
		return nil
	}
	return &store.Location{Latitude: shared.Latitude, Longitude: shared.Longitude}
}
