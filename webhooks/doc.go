// Package webhooks verifies, dedupes and dispatches inbound webhook
// deliveries.
//
// A delivery moves through received -> processing -> processed|failed, and
// failed -> processing on a claimed retry or -> dead_lettered once the retry
// budget is spent or the handler reports a permanent error. Duplicate
// detection and retry claims are delegated to the core.DeliveryStore so any
// number of dispatchers and schedulers can share one database.
package webhooks
