package event

import (
	"encoding/json"

	"github.com/archon72/ledger/pkg/canonical"
)

type actorContent struct {
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	LocalTimestamp string          `json:"local_timestamp"`
	ActorID        string          `json:"actor_id"`
}

type witnessContent struct {
	actorContent
	Signature string `json:"signature"`
	WitnessID string `json:"witness_id"`
}

// SignableContent returns the canonical bytes an actor signs.
func SignableContent(e Event) ([]byte, error) {
	return canonical.Marshal(actorFields(e))
}

// WitnessContent returns the canonical bytes a witness signs: the actor's
// content plus the actor signature and the witness identity.
func WitnessContent(e Event) ([]byte, error) {
	return canonical.Marshal(witnessContent{
		actorContent: actorFields(e),
		Signature:    e.Signature,
		WitnessID:    e.WitnessID,
	})
}

func actorFields(e Event) actorContent {
	return actorContent{
		EventType:      string(e.Type),
		Payload:        e.Payload.Canonical(),
		LocalTimestamp: canonical.FormatTime(e.LocalTimestamp),
		ActorID:        e.ActorID,
	}
}
