package event_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/event"
)

func sampleEvent(t *testing.T) event.Event {
	t.Helper()
	ev, err := event.New(event.Draft{
		Type:           "executive.motion.passed",
		Payload:        map[string]any{"motion_id": "m-17", "votes": map[string]any{"aye": 40, "nay": 12}},
		ActorID:        "archon-07",
		LocalTimestamp: time.Date(2025, 6, 1, 9, 30, 0, 123456789, time.UTC),
		Signature:      "aa",
	})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	ev.WitnessID = "witness-1"
	ev.WitnessSignature = "bb"
	ev.HashAlgVersion = canonical.SHA256.Version()
	return ev
}

func TestParseType(t *testing.T) {
	typ, err := event.ParseType("executive.motion.passed")
	if err != nil {
		t.Fatal(err)
	}
	if typ.Branch() != "executive" {
		t.Errorf("Branch(): got %q", typ.Branch())
	}
	if len(typ.Segments()) != 3 {
		t.Errorf("Segments(): got %v", typ.Segments())
	}

	bad := []string{"", "executive", "executive..passed", ".motion.passed", "Executive.motion", "exec.mo tion", "exec.9lives"}
	for _, s := range bad {
		if _, err := event.ParseType(s); !errors.Is(err, event.ErrInvalidType) {
			t.Errorf("ParseType(%q): expected ErrInvalidType, got %v", s, err)
		}
	}
}

func TestNew_validation(t *testing.T) {
	if _, err := event.New(event.Draft{Type: "judicial.breach.declared"}); !errors.Is(err, event.ErrInvalidEvent) {
		t.Errorf("missing actor: expected ErrInvalidEvent, got %v", err)
	}
	if _, err := event.New(event.Draft{Type: "nope", ActorID: "a"}); !errors.Is(err, event.ErrInvalidType) {
		t.Errorf("bad type: expected ErrInvalidType, got %v", err)
	}

	ev, err := event.New(event.Draft{Type: "judicial.breach.declared", ActorID: "archon-1"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.LocalTimestamp.IsZero() {
		t.Error("expected LocalTimestamp to default to now")
	}
	if ev.Payload.Len() != 0 || string(ev.Payload.Canonical()) != "{}" {
		t.Errorf("expected empty payload, got %s", ev.Payload.Canonical())
	}
	if ev.Hashed() {
		t.Error("new event must not be hashed")
	}
}

func TestPayload_isFrozen(t *testing.T) {
	p := event.MustPayload(map[string]any{"tally": map[string]any{"aye": 3}})

	v, ok := p.Get("tally")
	if !ok {
		t.Fatal("expected key tally")
	}
	v.(map[string]any)["aye"] = 999

	again, _ := p.Get("tally")
	if again.(map[string]any)["aye"] == 999 {
		t.Fatal("mutating a returned value changed the payload")
	}

	m := p.Map()
	m["injected"] = true
	if _, ok := p.Get("injected"); ok {
		t.Fatal("mutating Map() changed the payload")
	}

	if err := json.Unmarshal([]byte(`{"other":1}`), &p); !errors.Is(err, event.ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	if _, ok := p.Get("other"); ok {
		t.Fatal("frozen payload was overwritten")
	}
}

func TestPayload_rejectsNonObject(t *testing.T) {
	for _, in := range []string{`[1,2]`, `"x"`, `null`} {
		if _, err := event.ParsePayload([]byte(in)); err == nil {
			t.Errorf("ParsePayload(%s): expected error", in)
		}
	}
}

func TestDraft_unmarshalKeepsNumbersExact(t *testing.T) {
	var d event.Draft
	body := `{"event_type":"legislative.vote.cast","actor_id":"archon-01","payload":{"vote_id":12345678901234567891,"seats":72}}`
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		t.Fatal(err)
	}
	if d.Payload["vote_id"] != json.Number("12345678901234567891") {
		t.Fatalf("vote_id decoded as %#v", d.Payload["vote_id"])
	}
	if d.Type != "legislative.vote.cast" || d.ActorID != "archon-01" {
		t.Errorf("draft: %+v", d)
	}
	if _, err := event.New(d); !errors.Is(err, event.ErrInvalidEvent) || !errors.Is(err, canonical.ErrInexactNumber) {
		t.Errorf("expected inexact number to be refused, got %v", err)
	}

	delete(d.Payload, "vote_id")
	ev, err := event.New(d)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(ev.Payload.Canonical()); got != `{"seats":72}` {
		t.Errorf("payload: %s", got)
	}

	var empty event.Draft
	if err := json.Unmarshal([]byte(`{"event_type":"a.b","actor_id":"x","payload":null}`), &empty); err != nil || empty.Payload != nil {
		t.Errorf("null payload: %v %+v", err, empty.Payload)
	}
	if err := json.Unmarshal([]byte(`{"payload":[1]}`), &empty); err == nil {
		t.Error("array payload must be refused")
	}
}

func TestComputeContentHash_deterministic(t *testing.T) {
	ev := sampleEvent(t)
	first, err := event.ComputeContentHash(ev, canonical.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := event.ComputeContentHash(ev, canonical.SHA256)
		if err != nil {
			t.Fatal(err)
		}
		if !again.Equal(first) {
			t.Fatalf("hash changed between calls: %s vs %s", first, again)
		}
	}

	reordered := ev
	reordered.Payload = event.MustPayload(map[string]any{"votes": map[string]any{"nay": 12, "aye": 40}, "motion_id": "m-17"})
	h, _ := event.ComputeContentHash(reordered, canonical.SHA256)
	if !h.Equal(first) {
		t.Errorf("payload key order changed the hash")
	}
}

func TestComputeContentHash_algorithmsDiffer(t *testing.T) {
	ev := sampleEvent(t)
	seen := map[string]canonical.Algorithm{}
	for _, alg := range canonical.Algorithms() {
		d, err := event.ComputeContentHash(ev, alg)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(d.String(), alg.Name()+":") {
			t.Errorf("rendered digest %q lacks %s prefix", d.String(), alg.Name())
		}
		if prev, dup := seen[d.Hex()]; dup {
			t.Errorf("%s and %s produced the same digest", prev, alg)
		}
		seen[d.Hex()] = alg
	}
}

func TestComputeContentHash_tamperSensitivity(t *testing.T) {
	base := sampleEvent(t)
	want, _ := event.ComputeContentHash(base, canonical.SHA256)

	mutations := map[string]func(*event.Event){
		"event_type":        func(e *event.Event) { e.Type = event.MustType("executive.motion.failed") },
		"payload":           func(e *event.Event) { e.Payload = event.MustPayload(map[string]any{"motion_id": "m-18"}) },
		"signature":         func(e *event.Event) { e.Signature = "ab" },
		"witness_id":        func(e *event.Event) { e.WitnessID = "witness-2" },
		"witness_signature": func(e *event.Event) { e.WitnessSignature = "bc" },
		"local_timestamp":   func(e *event.Event) { e.LocalTimestamp = e.LocalTimestamp.Add(time.Microsecond) },
		"actor_id":          func(e *event.Event) { e.ActorID = "archon-08" },
	}
	for field, mutate := range mutations {
		ev := base
		mutate(&ev)
		got, _ := event.ComputeContentHash(ev, canonical.SHA256)
		if got.Equal(want) {
			t.Errorf("mutating %s did not change the hash", field)
		}
	}
}

func TestComputeContentHash_excludedFields(t *testing.T) {
	base := sampleEvent(t)
	want, _ := event.ComputeContentHash(base, canonical.SHA256)

	now := time.Now()
	ev := base
	ev.Sequence = 42
	ev.PrevHash = canonical.GenesisHash
	ev.ContentHash = "ff"
	ev.AuthorityTimestamp = &now
	ev.HashAlgVersion = 2
	ev.SigAlgVersion = 7

	got, _ := event.ComputeContentHash(ev, canonical.SHA256)
	if !got.Equal(want) {
		t.Errorf("hash-excluded fields changed the hash")
	}
}

func TestCanonicalContent_actorOmittedWhenEmpty(t *testing.T) {
	ev := sampleEvent(t)
	ev.ActorID = ""
	b, err := event.CanonicalContent(ev)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "actor_id") {
		t.Errorf("empty actor_id must not be serialized: %s", b)
	}

	ev.ActorID = "archon-07"
	b, _ = event.CanonicalContent(ev)
	want := `{"actor_id":"archon-07","event_type":"executive.motion.passed","local_timestamp":"2025-06-01T09:30:00.123456Z",` +
		`"payload":{"motion_id":"m-17","votes":{"aye":40,"nay":12}},"signature":"aa","witness_id":"witness-1","witness_signature":"bb"}`
	if string(b) != want {
		t.Errorf("canonical content:\n got %s\nwant %s", b, want)
	}
}

func TestEvent_jsonRoundTripPreservesHash(t *testing.T) {
	ev := sampleEvent(t)
	want, _ := event.ComputeContentHash(ev, canonical.SHA256)

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var decoded event.Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	got, err := event.RecomputeContentHash(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Errorf("hash changed across JSON round trip: %s vs %s", got, want)
	}
	if decoded.Branch() != "executive" {
		t.Errorf("Branch(): got %q", decoded.Branch())
	}
}

func TestWitnessContent_coversActorSignature(t *testing.T) {
	ev := sampleEvent(t)
	a, _ := event.WitnessContent(ev)
	ev.Signature = "cc"
	b, _ := event.WitnessContent(ev)
	if string(a) == string(b) {
		t.Error("witness content must cover the actor signature")
	}
	actor, _ := event.SignableContent(ev)
	if strings.Contains(string(actor), "witness_id") {
		t.Error("actor content must not include witness fields")
	}
}
