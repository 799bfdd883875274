package witness_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/archon72/ledger/internal/witness"
	"github.com/archon72/ledger/pkg/event"
)

func draft(t *testing.T, actor string) event.Event {
	t.Helper()
	ev, err := event.New(event.Draft{
		Type:           "executive.decree.issued",
		Payload:        map[string]any{"text": "hello"},
		ActorID:        actor,
		LocalTimestamp: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestKeyring_persistsKeys(t *testing.T) {
	dir := t.TempDir()
	k1, err := witness.NewKeyring(dir)
	if err != nil {
		t.Fatal(err)
	}
	s1, err := k1.LoadOrCreate("witness-1")
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, "witness-1.key"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode: %v", info.Mode().Perm())
	}

	k2, _ := witness.NewKeyring(dir)
	s2, err := k2.LoadOrCreate("witness-1")
	if err != nil {
		t.Fatal(err)
	}
	if s1.PublicKeyHex() != s2.PublicKeyHex() {
		t.Error("reloaded key differs")
	}
}

func TestKeyring_rejectsPathIDs(t *testing.T) {
	k, _ := witness.NewKeyring(t.TempDir())
	if _, err := k.LoadOrCreate("../escape"); err == nil {
		t.Error("expected invalid id error")
	}
}

func TestAttestAndVerify(t *testing.T) {
	keys, _ := witness.NewKeyring("")
	actor, _ := keys.LoadOrCreate("archon-01")
	ws, _ := keys.LoadOrCreate("witness-1")
	w := witness.New(ws)

	ev, err := witness.SignActor(actor, draft(t, "archon-01"))
	if err != nil {
		t.Fatal(err)
	}
	ev, err = w.Attest(ev)
	if err != nil {
		t.Fatal(err)
	}
	if ev.WitnessID != "witness-1" {
		t.Errorf("witness id: %q", ev.WitnessID)
	}

	res := witness.VerifySignatures(ev, keys)
	if !res.Valid() || !res.ActorChecked || !res.WitnessChecked {
		t.Fatalf("signatures: %+v", res)
	}

	ev.Payload = event.MustPayload(map[string]any{"text": "changed"})
	res = witness.VerifySignatures(ev, keys)
	if res.ActorValid || res.WitnessValid || res.Valid() {
		t.Errorf("altered payload must invalidate both signatures: %+v", res)
	}
}

func TestWitnessCoversActorSignature(t *testing.T) {
	keys, _ := witness.NewKeyring("")
	actor, _ := keys.LoadOrCreate("archon-02")
	w := witness.New(mustSigner(t, keys, "witness-2"))

	ev, _ := witness.SignActor(actor, draft(t, "archon-02"))
	ev, _ = w.Attest(ev)

	ev.Signature = actor.Sign([]byte("something else"))
	res := witness.VerifySignatures(ev, keys)
	if res.WitnessValid {
		t.Error("replacing the actor signature must break the witness signature")
	}
}

func TestSignActor_wrongActor(t *testing.T) {
	s, _ := witness.GenerateSigner("archon-03")
	if _, err := witness.SignActor(s, draft(t, "archon-04")); err == nil {
		t.Error("expected error signing for another actor")
	}
}

func TestVerifySignatures_unknownKey(t *testing.T) {
	keys, _ := witness.NewKeyring("")
	s, _ := witness.GenerateSigner("archon-05")
	ev, _ := witness.SignActor(s, draft(t, "archon-05"))
	res := witness.VerifySignatures(ev, keys)
	if res.ActorChecked || len(res.Errors) == 0 {
		t.Errorf("unknown key should be reported, not checked: %+v", res)
	}
}

func mustSigner(t *testing.T, k *witness.Keyring, id string) *witness.Signer {
	t.Helper()
	s, err := k.LoadOrCreate(id)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
