// Package events routes normalized webhook events to kind-specific handlers.
//
// Handlers are registered explicitly at startup. The processor validates the
// data fields each kind requires before dispatch, acknowledges ping events
// itself, and acknowledges unknown or unhandled kinds without failing so
// providers are not asked to redeliver events nobody consumes.
package events
