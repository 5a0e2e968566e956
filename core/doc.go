// Package core contains the work queue domain types, store contracts, and the
// queue orchestration that sits between ingestion and workers. Storage and
// transport adapters depend on this package; core must not depend on them.
package core
