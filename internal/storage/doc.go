// Package storage owns the durable campaign and recipient records.
//
// The sqlite driver is the production store; the memory driver exists for
// tests and throwaway runs. Both implement the same Store contract,
// including the single-flip semantics of MarkCampaignSent that the delivery
// engine's at-most-once guarantee rests on.
package storage
