// Package dedupe rejects duplicate inbound messages inside a short window.
//
// Adapters occasionally deliver the same platform event twice (gateway
// reconnects, platform retries). The router fingerprints each envelope as
// sha256(user | channel | content) and drops it when the same fingerprint was
// accepted within the TTL. The cache is bounded by size as well as time.
package dedupe
