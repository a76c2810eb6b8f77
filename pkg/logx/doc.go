// Package logx wraps zerolog behind a small, live-reconfigurable API.
//
// Components hold a Logger created from the shared Service; when the
// operator changes logging config at runtime, Service.Apply swaps sinks
// and levels without anyone re-creating their loggers.
package logx
