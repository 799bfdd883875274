// Package client is the observer SDK for the governance ledger.
//
// It gives an outside observer everything needed to check the ledger without
// trusting the service: fetching events, chain proofs and checkpoints over
// HTTP, and verifying each of them locally with the same hashing rules the
// service publishes.
//
// # Connecting
//
//	c, err := client.New("https://ledger.example",
//	    client.WithCacheTTL(5*time.Minute),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Verifying one event
//
// VerifyEvent fetches the event and its predecessor, recomputes the content
// hash and checks the prev_hash link:
//
//	res, err := c.VerifyEvent(ctx, 42)
//	if err == nil && !res.Valid {
//	    fmt.Println("event 42 failed:", res.Reason)
//	}
//
// # Verifying a range
//
// VerifyChain streams the range and runs the gap and tamper detector over it.
// Every anomaly is reported, not just the first:
//
//	report, err := c.VerifyChain(ctx, 1, 0) // 0 = current head
//	for _, a := range report.Anomalies {
//	    fmt.Println(a.Kind, a.Sequence, a.Message)
//	}
//
// # Checkpoint inclusion
//
// VerifyInclusion fetches the Merkle proof and, separately, the checkpoint it
// names, so a proof cannot vouch for its own root:
//
//	proof, cp, err := c.VerifyInclusion(ctx, 42)
//	if errors.Is(err, integrity.ErrCheckpointNotFound) {
//	    // not anchored yet
//	}
//
// # Offline verification
//
// An exported events file needs no network access at all:
//
//	report := client.VerifyEvents(nil, events)
package client
