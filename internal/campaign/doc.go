// Package campaign implements the broadcast engine: durable campaigns with
// an optional schedule, single-shot triggers, recovery after restart, and a
// rate-limited fan-out that isolates per-recipient failures.
//
// Delivery semantics
//
// A campaign fires at most once. The guarantee is layered: an in-process
// advisory lock per campaign id covers concurrent duplicate triggers, and
// the store's single-flip sent flag covers sequential ones, including a
// timer fire racing a manual send and re-triggering across restarts.
// Individual recipient sends are best-effort; admins get one aggregated
// completion report per campaign.
package campaign
