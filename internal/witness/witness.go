package witness

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/archon72/ledger/pkg/event"
)

// KeyResolver finds verification keys by identity.
type KeyResolver interface {
	PublicKey(id string) (ed25519.PublicKey, bool)
}

// Witness attests events before they are hashed. The attestation covers the
// actor's content, the actor signature and the witness identity.
type Witness struct {
	signer *Signer
}

// New returns a witness signing with s.
func New(s *Signer) *Witness {
	return &Witness{signer: s}
}

// ID returns the witness identity.
func (w *Witness) ID() string { return w.signer.ID() }

// Signer returns the underlying signer.
func (w *Witness) Signer() *Signer { return w.signer }

// Attest stamps ev with the witness identity and signature.
func (w *Witness) Attest(ev event.Event) (event.Event, error) {
	if ev.Hashed() {
		return event.Event{}, errors.New("witness: cannot attest an event that is already hashed")
	}
	ev.WitnessID = w.signer.ID()
	msg, err := event.WitnessContent(ev)
	if err != nil {
		return event.Event{}, fmt.Errorf("witness content: %w", err)
	}
	ev.WitnessSignature = w.signer.Sign(msg)
	return ev, nil
}

// SignActor fills ev.Signature with s's signature over the actor content.
// s must belong to ev.ActorID.
func SignActor(s *Signer, ev event.Event) (event.Event, error) {
	if s.ID() != ev.ActorID {
		return event.Event{}, fmt.Errorf("witness: signer %s cannot sign for actor %s", s.ID(), ev.ActorID)
	}
	msg, err := event.SignableContent(ev)
	if err != nil {
		return event.Event{}, fmt.Errorf("signable content: %w", err)
	}
	ev.Signature = s.Sign(msg)
	ev.SigAlgVersion = event.SigAlgEd25519
	return ev, nil
}

// SignatureResult reports both signature checks for one event. A check is
// skipped (and reported as such) when the signature is absent or the key is
// unknown.
type SignatureResult struct {
	Sequence       uint64   `json:"sequence"`
	ActorValid     bool     `json:"actor_signature_valid"`
	ActorChecked   bool     `json:"actor_signature_checked"`
	WitnessValid   bool     `json:"witness_signature_valid"`
	WitnessChecked bool     `json:"witness_signature_checked"`
	Errors         []string `json:"errors,omitempty"`
}

// Valid reports whether every performed check passed.
func (r SignatureResult) Valid() bool {
	return (!r.ActorChecked || r.ActorValid) && (!r.WitnessChecked || r.WitnessValid)
}

// VerifySignatures checks the actor and witness signatures on ev.
func VerifySignatures(ev event.Event, keys KeyResolver) SignatureResult {
	res := SignatureResult{Sequence: ev.Sequence}
	if ev.SigAlgVersion != 0 && ev.SigAlgVersion != event.SigAlgEd25519 {
		res.Errors = append(res.Errors, fmt.Sprintf("unsupported sig_alg_version %d", ev.SigAlgVersion))
		return res
	}

	if ev.Signature != "" {
		if pub, ok := keys.PublicKey(ev.ActorID); ok {
			res.ActorChecked = true
			msg, err := event.SignableContent(ev)
			if err == nil {
				err = Verify(pub, msg, ev.Signature)
			}
			res.ActorValid = err == nil
			if err != nil {
				res.Errors = append(res.Errors, "actor: "+err.Error())
			}
		} else {
			res.Errors = append(res.Errors, "actor: no key for "+ev.ActorID)
		}
	}

	if ev.WitnessSignature != "" {
		if pub, ok := keys.PublicKey(ev.WitnessID); ok {
			res.WitnessChecked = true
			msg, err := event.WitnessContent(ev)
			if err == nil {
				err = Verify(pub, msg, ev.WitnessSignature)
			}
			res.WitnessValid = err == nil
			if err != nil {
				res.Errors = append(res.Errors, "witness: "+err.Error())
			}
		} else {
			res.Errors = append(res.Errors, "witness: no key for "+ev.WitnessID)
		}
	}
	return res
}
