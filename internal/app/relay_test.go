package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/domain"
)

// fakeConn captures every frame sent to it, decoded for assertions.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) eventsOfType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range c.events(t) {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

type staticResolver struct{}

func (staticResolver) Resolve(v domain.VisitorID) (string, error) {
	return "conv-" + string(v), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []core.NotificationEvent
	done   chan struct{}
}

func newRecordingNotifier(expect int) *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, expect)}
}

func (n *recordingNotifier) Notify(_ context.Context, ev core.NotificationEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	n.done <- struct{}{}
}

func newTestRelay() (*Relay, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry()
	calls := NewCallStore(clk)
	return NewRelay(reg, calls, NewBroadcaster(reg), nil, staticResolver{}), clk
}

func addVisitor(t *testing.T, r *Relay, conn domain.ConnID, visitor domain.VisitorID) *fakeConn {
	t.Helper()
	fc := &fakeConn{}
	r.Registry.Add(conn, fc)
	if _, err := r.Register(conn, domain.RoleVisitor, visitor, false); err != nil {
		t.Fatalf("register visitor: %v", err)
	}
	return fc
}

func addOwner(t *testing.T, r *Relay, conn domain.ConnID) *fakeConn {
	t.Helper()
	fc := &fakeConn{}
	r.Registry.Add(conn, fc)
	if _, err := r.Register(conn, domain.RoleOwner, "", true); err != nil {
		t.Fatalf("register owner: %v", err)
	}
	return fc
}

func TestAnswerFlowEndToEnd(t *testing.T) {
	r, _ := newTestRelay()
	visitorConn := addVisitor(t, r, "v1", "visitor-a")
	ownerConn := addOwner(t, r, "o1")

	call, err := r.InitiateCall("v1", "Alice", domain.MediaVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	incoming := ownerConn.eventsOfType(t, EvtIncomingCall)
	if len(incoming) != 1 {
		t.Fatalf("owner incoming-call count = %d, want 1", len(incoming))
	}
	if incoming[0]["caller_name"] != "Alice" || incoming[0]["call_id"] != call.ID.String() {
		t.Fatalf("incoming-call payload = %v", incoming[0])
	}
	if got := visitorConn.eventsOfType(t, EvtRinging); len(got) != 1 {
		t.Fatalf("initiator ringing ack count = %d, want 1", len(got))
	}

	if err := r.AnswerCall("o1", call.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := visitorConn.eventsOfType(t, EvtCallAnswered); len(got) != 1 {
		t.Fatalf("visitor call-answered count = %d, want 1", len(got))
	}
	creates := ownerConn.eventsOfType(t, EvtCreateOffer)
	if len(creates) != 1 {
		t.Fatalf("owner create-offer count = %d, want 1", len(creates))
	}
	// The answering side produces the offer, targeting the initiator.
	if creates[0]["target"] != "v1" {
		t.Fatalf("create-offer target = %v, want v1", creates[0]["target"])
	}

	got, ok := r.Calls.Get(call.ID)
	if !ok || got.Status != domain.StatusConnecting {
		t.Fatalf("call after answer = %+v, %v", got, ok)
	}

	// Owner forwards the offer; visitor receives the identical opaque blob.
	payload := json.RawMessage(`{"sdp":"v=0 fake offer","type":"offer"}`)
	if err := r.Forward("o1", "offer", call.ID, "v1", payload); err != nil {
		t.Fatalf("forward offer: %v", err)
	}
	offers := visitorConn.eventsOfType(t, "offer")
	if len(offers) != 1 || offers[0]["from"] != "o1" {
		t.Fatalf("forwarded offer = %v", offers)
	}
	fwd, _ := json.Marshal(offers[0]["payload"])
	var want, gotPayload any
	_ = json.Unmarshal(payload, &want)
	_ = json.Unmarshal(fwd, &gotPayload)
	if wantStr, gotStr := mustJSON(t, want), mustJSON(t, gotPayload); wantStr != gotStr {
		t.Fatalf("payload altered in flight: %s != %s", gotStr, wantStr)
	}

	// The first negotiation answer marks the session connected.
	if err := r.Forward("v1", "answer", call.ID, "o1", json.RawMessage(`{"type":"answer"}`)); err != nil {
		t.Fatalf("forward answer: %v", err)
	}
	got, _ = r.Calls.Get(call.ID)
	if got.Status != domain.StatusConnected {
		t.Fatalf("status after answer forward = %s, want connected", got.Status)
	}

	if err := r.EndCall("v1", call.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	for name, fc := range map[string]*fakeConn{"visitor": visitorConn, "owner": ownerConn} {
		ended := fc.eventsOfType(t, EvtCallEnded)
		if len(ended) != 1 || ended[0]["reason"] != string(domain.ReasonEnded) {
			t.Fatalf("%s call-ended events = %v", name, ended)
		}
	}
	if _, ok := r.Calls.Get(call.ID); ok {
		t.Fatalf("call still in store after end")
	}
	for _, conn := range []domain.ConnID{"v1", "o1"} {
		rec, _ := r.Registry.Get(conn)
		if rec.CallID != "" {
			t.Fatalf("%s still bound to %s", conn, rec.CallID)
		}
	}
}

func TestInitiateRejectedForDuplicateSession(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	addOwner(t, r, "o1")

	first, err := r.InitiateCall("v1", "Alice", domain.MediaVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := r.InitiateCall("v1", "Alice", domain.MediaVoice); !errors.Is(err, domain.ErrDuplicateSession) {
		t.Fatalf("second initiate: err = %v, want ErrDuplicateSession", err)
	}
	// The existing session is untouched.
	if got, ok := r.Calls.Get(first.ID); !ok || got.Status != domain.StatusRinging {
		t.Fatalf("first call disturbed: %+v, %v", got, ok)
	}
}

func TestInitiateRequiresVisitorRole(t *testing.T) {
	r, _ := newTestRelay()
	addOwner(t, r, "o1")

	fc := &fakeConn{}
	r.Registry.Add("u1", fc)

	if _, err := r.InitiateCall("o1", "Owner", domain.MediaVoice); !errors.Is(err, domain.ErrUnauthorizedRole) {
		t.Fatalf("owner initiate: err = %v", err)
	}
	if _, err := r.InitiateCall("u1", "Nobody", domain.MediaVoice); !errors.Is(err, domain.ErrUnauthorizedRole) {
		t.Fatalf("unassigned initiate: err = %v", err)
	}
}

func TestDeclineNotifiesInitiatorAndRemoves(t *testing.T) {
	r, _ := newTestRelay()
	visitorConn := addVisitor(t, r, "v1", "visitor-a")
	addOwner(t, r, "o1")

	call, _ := r.InitiateCall("v1", "Alice", domain.MediaVoice)
	if err := r.DeclineCall("o1", call.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got := visitorConn.eventsOfType(t, EvtCallDeclined); len(got) != 1 {
		t.Fatalf("call-declined count = %d, want 1", len(got))
	}
	if err := r.DeclineCall("o1", call.ID); !errors.Is(err, domain.ErrSessionGone) {
		t.Fatalf("second decline: err = %v, want ErrSessionGone", err)
	}
}

func TestCancelOnlyByInitiator(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	ownerConn := addOwner(t, r, "o1")

	call, _ := r.InitiateCall("v1", "Alice", domain.MediaVoice)

	if err := r.CancelCall("o1", call.ID); !errors.Is(err, domain.ErrUnauthorizedRole) {
		t.Fatalf("cancel by non-initiator: err = %v", err)
	}
	if err := r.CancelCall("v1", call.ID); err != nil {
		t.Fatalf("cancel by initiator: %v", err)
	}
	if got := ownerConn.eventsOfType(t, EvtCallCancelled); len(got) != 1 {
		t.Fatalf("call-cancelled count = %d, want 1", len(got))
	}
	if _, ok := r.Calls.Get(call.ID); ok {
		t.Fatalf("cancelled call still stored")
	}
}

func TestDisconnectDuringActiveCall(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	ownerConn := addOwner(t, r, "o1")

	call, _ := r.InitiateCall("v1", "Alice", domain.MediaVoice)
	if err := r.AnswerCall("o1", call.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}

	r.OnDisconnect("v1")

	ended := ownerConn.eventsOfType(t, EvtCallEnded)
	if len(ended) != 1 || ended[0]["reason"] != string(domain.ReasonPeerGone) {
		t.Fatalf("owner call-ended events = %v", ended)
	}
	if _, ok := r.Calls.Get(call.ID); ok {
		t.Fatalf("call left dangling after disconnect")
	}
	rec, _ := r.Registry.Get("o1")
	if rec.CallID != "" {
		t.Fatalf("owner still bound to torn-down call")
	}
}

func TestDisconnectBeforeAnswerIsQuiet(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	ownerConn := addOwner(t, r, "o1")

	call, _ := r.InitiateCall("v1", "Alice", domain.MediaVoice)
	r.OnDisconnect("v1")

	if got := ownerConn.eventsOfType(t, EvtIncomingCall); len(got) != 1 {
		t.Fatalf("incoming-call count = %d, want exactly 1", len(got))
	}
	// No owner ever joined, so nobody gets a call-ended.
	if got := ownerConn.eventsOfType(t, EvtCallEnded); len(got) != 0 {
		t.Fatalf("unexpected call-ended to non-participant: %v", got)
	}
	if _, ok := r.Calls.Get(call.ID); ok {
		t.Fatalf("call not removed on initiator disconnect")
	}
}

func TestOwnerGroupFanOut(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	owner1 := addOwner(t, r, "o1")
	owner2 := addOwner(t, r, "o2")

	if _, err := r.InitiateCall("v1", "Alice", domain.MediaVideo); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	for name, fc := range map[string]*fakeConn{"o1": owner1, "o2": owner2} {
		if got := fc.eventsOfType(t, EvtIncomingCall); len(got) != 1 {
			t.Fatalf("%s incoming-call count = %d, want 1", name, len(got))
		}
	}
}

func TestConcurrentAnswersOneWinner(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")

	const n = 8
	owners := make([]domain.ConnID, n)
	for i := range owners {
		owners[i] = domain.ConnID("o" + string(rune('0'+i)))
		addOwner(t, r, owners[i])
	}

	call, _ := r.InitiateCall("v1", "Alice", domain.MediaVoice)

	var wg sync.WaitGroup
	results := make(chan error, n)
	for _, o := range owners {
		wg.Add(1)
		go func(o domain.ConnID) {
			defer wg.Done()
			results <- r.AnswerCall(o, call.ID)
		}(o)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyClaimed) && !errors.Is(err, domain.ErrSessionGone) {
			t.Fatalf("unexpected answer error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("answer wins = %d, want exactly 1", wins)
	}
}

func TestAnswerClearsStaleCallBinding(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	addOwner(t, r, "o1")

	// Binding left behind by a session torn down before the answerer was
	// bound must not wedge the connection.
	r.Registry.SetCall("o1", "gone-call")

	call, _ := r.InitiateCall("v1", "Alice", domain.MediaVoice)
	if err := r.AnswerCall("o1", call.ID); err != nil {
		t.Fatalf("answer with stale binding: %v", err)
	}
	rec, _ := r.Registry.Get("o1")
	if rec.CallID != call.ID {
		t.Fatalf("owner binding = %q, want %q", rec.CallID, call.ID)
	}
}

func TestAnswerDeclineRaceLeavesNoBinding(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	addOwner(t, r, "o1")
	addOwner(t, r, "o2")

	for i := 0; i < 200; i++ {
		call, err := r.InitiateCall("v1", "Alice", domain.MediaVoice)
		if err != nil {
			t.Fatalf("initiate round %d: %v", i, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := r.AnswerCall("o1", call.ID); err != nil &&
				!errors.Is(err, domain.ErrSessionGone) && !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("answer round %d: %v", i, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := r.DeclineCall("o2", call.ID); err != nil && !errors.Is(err, domain.ErrSessionGone) {
				t.Errorf("decline round %d: %v", i, err)
			}
		}()
		wg.Wait()

		if _, ok := r.Calls.Get(call.ID); ok {
			r.EndCall("v1", call.ID)
		}
		rec, _ := r.Registry.Get("o1")
		if rec.CallID != "" {
			t.Fatalf("round %d: owner bound to removed session %q", i, rec.CallID)
		}
	}

	// The owner connection must still be able to answer.
	call, _ := r.InitiateCall("v1", "Alice", domain.MediaVoice)
	if err := r.AnswerCall("o1", call.ID); err != nil {
		t.Fatalf("answer after race rounds: %v", err)
	}
}

func TestInitiateTruncatesNameOnRuneBoundary(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	ownerConn := addOwner(t, r, "o1")

	// 63 ascii bytes plus a two-byte rune straddling the cap.
	name := strings.Repeat("a", domain.MaxDisplayNameLen-1) + "é"
	call, err := r.InitiateCall("v1", name, domain.MediaVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !utf8.ValidString(call.InitiatorName) {
		t.Fatalf("truncated name is not valid utf-8: %q", call.InitiatorName)
	}
	if len(call.InitiatorName) > domain.MaxDisplayNameLen {
		t.Fatalf("name length = %d, cap %d", len(call.InitiatorName), domain.MaxDisplayNameLen)
	}
	if call.InitiatorName != strings.Repeat("a", domain.MaxDisplayNameLen-1) {
		t.Fatalf("truncated name = %q", call.InitiatorName)
	}

	incoming := ownerConn.eventsOfType(t, EvtIncomingCall)
	if len(incoming) != 1 || incoming[0]["caller_name"] != call.InitiatorName {
		t.Fatalf("incoming-call payload = %v", incoming)
	}
}

func TestForwardValidation(t *testing.T) {
	r, _ := newTestRelay()
	addVisitor(t, r, "v1", "visitor-a")
	addOwner(t, r, "o1")
	addOwner(t, r, "o2")

	call, _ := r.InitiateCall("v1", "Alice", domain.MediaVoice)
	if err := r.AnswerCall("o1", call.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}

	payload := json.RawMessage(`{}`)
	if err := r.Forward("o2", "offer", call.ID, "v1", payload); !errors.Is(err, domain.ErrUnauthorizedRole) {
		t.Fatalf("forward from non-participant: err = %v", err)
	}
	if err := r.Forward("o1", "offer", call.ID, "o2", payload); !errors.Is(err, domain.ErrMalformedTarget) {
		t.Fatalf("forward to non-participant: err = %v", err)
	}
	if err := r.Forward("o1", "offer", "missing", "v1", payload); !errors.Is(err, domain.ErrSessionGone) {
		t.Fatalf("forward on unknown session: err = %v", err)
	}
}

func TestTypingRouting(t *testing.T) {
	r, _ := newTestRelay()
	visitorConn := addVisitor(t, r, "v1", "visitor-a")
	ownerConn := addOwner(t, r, "o1")

	// Visitor -> owner group, conversation resolved from the visitor binding.
	if err := r.Typing("v1", "", "", "started"); err != nil {
		t.Fatalf("visitor typing: %v", err)
	}
	got := ownerConn.eventsOfType(t, EvtTyping)
	if len(got) != 1 || got[0]["conversation_id"] != "conv-visitor-a" {
		t.Fatalf("owner typing events = %v", got)
	}

	// Owner -> visitor channel; the visitor target is required.
	if err := r.Typing("o1", "", "", "started"); !errors.Is(err, domain.ErrMalformedTarget) {
		t.Fatalf("owner typing without target: err = %v", err)
	}
	if err := r.Typing("o1", "", "visitor-a", "stopped"); err != nil {
		t.Fatalf("owner typing: %v", err)
	}
	if got := visitorConn.eventsOfType(t, EvtTyping); len(got) != 1 {
		t.Fatalf("visitor typing count = %d, want 1", len(got))
	}
}

func TestInitiateFiresNotification(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry()
	calls := NewCallStore(clk)
	n := newRecordingNotifier(1)
	r := NewRelay(reg, calls, NewBroadcaster(reg), n, staticResolver{})

	addVisitor(t, r, "v1", "visitor-a")
	call, err := r.InitiateCall("v1", "Alice", domain.MediaVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	select {
	case <-n.done:
	case <-time.After(time.Second):
		t.Fatalf("notification never dispatched")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) != 1 {
		t.Fatalf("notification count = %d, want 1", len(n.events))
	}
	ev := n.events[0]
	if ev.Kind != core.NotifyIncomingVideoCall || ev.DisplayName != "Alice" || ev.CallID != call.ID {
		t.Fatalf("notification event = %+v", ev)
	}
}

func TestReadReceiptFromUnassignedRejected(t *testing.T) {
	r, _ := newTestRelay()
	fc := &fakeConn{}
	r.Registry.Add("u1", fc)

	if err := r.ReadReceipt("u1", "", "", "msg-1"); !errors.Is(err, domain.ErrUnauthorizedRole) {
		t.Fatalf("unassigned read-receipt: err = %v", err)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
