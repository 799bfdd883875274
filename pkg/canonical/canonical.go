// Package canonical defines the deterministic encoding and digest rules that
// every ledger hash is computed under.
//
// External verifiers reproduce a published content hash with three steps:
//
//  1. Build the hash-included JSON object (see package event).
//  2. Serialize it with Marshal: RFC 8785 canonical JSON, UTF-8, sorted keys,
//     no insignificant whitespace, datetimes rendered by FormatTime.
//  3. Digest the bytes with the Algorithm named by the event's
//     hash_alg_version and compare the lowercase hex.
package canonical
