// Package gateway keeps sharded websocket sessions to a real-time event
// gateway alive.
//
// A Driver owns one connection: the Hello handshake, zlib-stream inflation,
// heartbeats and serialized writes. A Session drives a Driver through
// identify, resume and reconnect, deduplicating replayed dispatches by
// sequence number. A Supervisor runs a range of shards, spaces their
// identifies through an IdentifyGate and merges their events into one
// stream.
package gateway
