package callflow

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notdienststation/dispatch/internal/llm"
	"github.com/notdienststation/dispatch/internal/pricing"
	"github.com/notdienststation/dispatch/internal/services"
	"github.com/notdienststation/dispatch/internal/store"
)

func TestTransferResultCompletedClosesCall(t *testing.T) {
	fx := setupFlow(t)
	fx.startCall(t, testCallerNumber)
	ctx := context.Background()
	caller := store.KnownCaller(testCallerNumber)
	for field, value := range map[string]string{
		"anliegen":   llm.IntentLocksmith,
		"einsatzort": "Hauptstraße 5, 87435 Kempten",
		"preis":      "250",
		"eta":        "25",
	} {
		require.NoError(t, fx.st.SetJobField(ctx, caller, field, value))
	}

	form := callForm(testCallerNumber, testServiceNumber)
	form.Set("DialCallStatus", "completed")
	rec := postForm(t, fx.router(), "/parse-transfer-call/Schmidt/0049170111222", form)
	wantBody(t, rec, "<Hangup")
	if strings.Contains(rec.Body.String(), "<Dial") {
		t.Fatal("completed transfer must not redial")
	}

	to, err := fx.st.GetTransferredTo(ctx, caller)
	require.NoError(t, err)
	if to == nil || to.Phone != "+49170111222" || to.Name != "Schmidt" {
		t.Fatalf("transferred_to = %+v", to)
	}

	msgs, err := fx.st.Messages(ctx, caller)
	require.NoError(t, err)
	var sawHandoff bool
	for _, m := range msgs {
		if m.Role == store.RoleTwilio && strings.Contains(m.Content, "Weitergeleitet an Schmidt") {
			sawHandoff = true
		}
	}
	if !sawHandoff {
		t.Fatalf("handoff missing from transcript: %+v", msgs)
	}

	waitFor(t, "job details sms", func() bool {
		return len(fx.sms.messages()) == 1
	})
	sms := fx.sms.messages()[0]
	if sms.To != "+49170111222" {
		t.Fatalf("job sms to = %q", sms.To)
	}
	for _, want := range []string{"Anliegen: " + llm.IntentLocksmith, "Einsatzort: Hauptstraße 5", "Festpreis: 250 Euro", "Anrufer: " + testCallerNumber} {
		if !strings.Contains(sms.Body, want) {
			t.Fatalf("job sms body missing %q:\n%s", want, sms.Body)
		}
	}
}

func TestTransferResultFailureAdvancesQueue(t *testing.T) {
	fx := setupFlow(t)
	fx.startCall(t, testCallerNumber)
	ctx := context.Background()
	caller := store.KnownCaller(testCallerNumber)
	require.NoError(t, fx.st.QueueSet(ctx, caller, []store.QueueEntry{
		{Name: "Schmidt", Phone: "+49170111222"},
		{Name: "Huber", Phone: "+49170333444"},
	}))

	form := callForm(testCallerNumber, testServiceNumber)
	form.Set("DialCallStatus", "no-answer")
	rec := postForm(t, fx.router(), "/parse-transfer-call/Schmidt/0049170111222", form)
	wantBody(t, rec, "<Dial", "+49170333444", "nächsten Kollegen")

	head, err := fx.st.QueuePeek(ctx, caller)
	require.NoError(t, err)
	if head == nil || head.Phone != "+49170333444" {
		t.Fatalf("queue head = %+v", head)
	}
	n, err := fx.st.QueueLen(ctx, caller)
	require.NoError(t, err)
	if n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
}

func TestTransferResultQueueExhausted(t *testing.T) {
	fx := setupFlow(t)
	fx.startCall(t, testCallerNumber)
	ctx := context.Background()
	caller := store.KnownCaller(testCallerNumber)
	require.NoError(t, fx.st.QueueSet(ctx, caller, []store.QueueEntry{
		{Name: "Schmidt", Phone: "+49170111222"},
	}))

	form := callForm(testCallerNumber, testServiceNumber)
	form.Set("DialCallStatus", "busy")
	rec := postForm(t, fx.router(), "/parse-transfer-call/Schmidt/0049170111222", form)
	wantBody(t, rec, "kein Mitarbeiter erreichbar", "<Hangup")

	reason, err := fx.st.HangupReason(ctx, caller)
	require.NoError(t, err)
	if reason != HangupReasonNoStaff {
		t.Fatalf("hangup reason = %q, want %q", reason, HangupReasonNoStaff)
	}
}

func TestCallStatusCleansUpAndNotifies(t *testing.T) {
	fx := setupFlow(t)
	fx.startCall(t, testCallerNumber)
	ctx := context.Background()
	caller := store.KnownCaller(testCallerNumber)
	require.NoError(t, fx.st.AppendMessage(ctx, caller, store.Message{Role: store.RoleUser, Content: "Ich habe mich ausgesperrt"}))
	require.NoError(t, fx.st.SetTransferredTo(ctx, caller, store.TransferredTo{Phone: "+49170111222", Name: "Schmidt"}))
	require.NoError(t, fx.st.SetHangupReason(ctx, caller, "Weitergeleitet"))

	form := callForm(testCallerNumber, testServiceNumber)
	form.Set("CallStatus", "completed")
	postForm(t, http.HandlerFunc(fx.flow.HandleCallStatus), "/status", form)

	select {
	case text := <-fx.notifier.ch:
		for _, want := range []string{"Anruf beendet", testCallerNumber, "Weitergeleitet an: Schmidt", "Ich habe mich ausgesperrt"} {
			if !strings.Contains(text, want) {
				t.Fatalf("notification missing %q:\n%s", want, text)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification sent")
	}

	waitFor(t, "call state cleanup", func() bool {
		live, err := fx.st.IsLive(ctx, caller)
		return err == nil && !live
	})
	id, err := fx.st.Service(ctx, caller)
	require.NoError(t, err)
	if id != "" {
		t.Fatalf("service id still set after cleanup: %q", id)
	}
}

func TestCallStatusIgnoresNonTerminal(t *testing.T) {
	fx := setupFlow(t)
	fx.startCall(t, testCallerNumber)
	ctx := context.Background()
	caller := store.KnownCaller(testCallerNumber)

	form := callForm(testCallerNumber, testServiceNumber)
	form.Set("CallStatus", "in-progress")
	postForm(t, http.HandlerFunc(fx.flow.HandleCallStatus), "/status", form)

	live, err := fx.st.IsLive(ctx, caller)
	require.NoError(t, err)
	if !live {
		t.Fatal("non-terminal status must not clean up the call")
	}
}

func TestLocationCallbackPricesSharedLocation(t *testing.T) {
	fx := setupFlow(t)
	ctx := context.Background()
	caller := store.KnownCaller(testCallerNumber)
	require.NoError(t, fx.st.SetSharedLocation(ctx, caller, store.SharedLocation{Latitude: 47.72, Longitude: 10.31}))
	fx.quoter.offer = &pricing.Offer{
		Provider: services.ProviderLocation{
			Name:  "Meier",
			Phone: "+49170555666",
			Contacts: []services.Contact{
				{ID: "t1", Name: "Meier", Phone: "+49170555666", Position: 1},
			},
		},
		Price: 300,
		ETA:   35,
	}

	form := callForm(testServiceNumber, testCallerNumber)
	rec := postForm(t, fx.router(), "/location-callback/004917612345678?service=allgaeu", form)
	wantBody(t, rec,
		"Standort erhalten",
		"<Dial",
		"+49170555666",
		"record-from-answer",
		"type=followup",
	)

	id, err := fx.st.Service(ctx, caller)
	require.NoError(t, err)
	if id != "allgaeu" {
		t.Fatalf("service id = %q, want allgaeu", id)
	}
	live, err := fx.st.IsLive(ctx, caller)
	require.NoError(t, err)
	if !live {
		t.Fatal("callback call not marked live")
	}
	if fx.quoter.category != services.CategoryTowing {
		t.Fatalf("quoted category = %q, want %q", fx.quoter.category, services.CategoryTowing)
	}
	preis, err := fx.st.JobField(ctx, caller, "preis")
	require.NoError(t, err)
	if preis != "300" {
		t.Fatalf("job preis = %q, want 300", preis)
	}
	head, err := fx.st.QueuePeek(ctx, caller)
	require.NoError(t, err)
	if head == nil || head.Phone != "+49170555666" {
		t.Fatalf("queue head = %+v", head)
	}
}

func TestLocationCallbackWithoutLocationStillTransfers(t *testing.T) {
	fx := setupFlow(t)

	form := callForm(testServiceNumber, testCallerNumber)
	rec := postForm(t, fx.router(), "/location-callback/004917612345678?service=allgaeu", form)
	// No stored location: no quote, but the towing queue still answers.
	wantBody(t, rec, "<Dial", "+49170555666")
	if fx.quoter.category != "" {
		t.Fatalf("quote attempted without a location: %q", fx.quoter.category)
	}
}
