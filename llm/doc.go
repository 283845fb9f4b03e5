// Package llm defines the provider-neutral types shared by the damper
// middleware stack: requests, responses, streams, and the error taxonomy
// used by the retry machinery.
//
// # Core Concepts
//
//  1. Client: the two-operation call surface, Generate() for single-shot
//     calls and Stream() for incrementally streamed calls. The underlying
//     transport adapters (see the transport packages) implement Client, and
//     every middleware layer wraps a Client-shaped function.
//
//  2. Requests: a Request is an opaque (provider, operation, parameters)
//     triple as far as the middleware is concerned. Volatile metadata
//     (request ids, timestamps) lives in Request.Metadata and never
//     participates in caching.
//
//  3. Canonicalization: CanonicalKey projects a Request onto a deterministic,
//     field-order-independent structure and hashes it with SHA-256. Two
//     requests that differ only in volatile fields or construction order
//     share a cache key.
//
//  4. Errors: the Error type classifies failures (network, rate limit,
//     server, auth, unknown) and carries the provider hints, HTTP status,
//     vendor error code, and Retry-After that the retry engine consumes.
//
//  5. Streams: the Stream interface is a pull iterator over StreamEvents.
//     NewReplayStream builds a finite, restartable Stream from recorded
//     events; cache hits and stream resumption are served through it.
package llm
