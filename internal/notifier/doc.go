// Package notifier delivers operational reports to bot administrators
// through an async pipeline (queue, worker pool, rate limit, retry).
//
// The campaign engine and the command router hand text here and move on;
// Telegram API hiccups are retried with backoff and never block callers.
package notifier
