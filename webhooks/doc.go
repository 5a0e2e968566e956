// Package webhooks is the ingestion gateway for external events.
//
// A request is validated fail-fast (source address, body, envelope fields,
// timestamp freshness, signature), normalized into a core.NormalizedEvent and
// admitted exactly once per event id. Rejections are answered synchronously
// and never reach the queue.
package webhooks
