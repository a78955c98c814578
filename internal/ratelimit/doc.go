// Package ratelimit admits REST requests without exceeding server rate
// limits.
//
// Every request maps to a route group (method plus normalized path). Route
// groups map to buckets through an indirection table in the Ledger; the
// server reveals shared bucket ids incrementally and the table is retargeted
// as it does. Requests queue per bucket in arrival order. The Controller
// puts the GlobalLimiter in front of every bucket admission.
package ratelimit
