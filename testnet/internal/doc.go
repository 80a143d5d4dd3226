// Package internal implements the local network harness behind the testnet
// command.
//
// A Cluster starts one router and a configurable number of peers on
// loopback UDP. Every peer bootstraps through the router, after which the
// Orchestrator runs a fixed list of scenarios against the live network:
//
//   - bootstrap: every peer has a populated routing table
//   - announce: a peer announces an info-hash that a distant peer finds
//   - immutable: a BEP44 immutable item stored by one peer is fetched by another
//   - mutable: a signed item is updated and readers see the newest sequence
//
// Results are collected per step with their durations so that the command
// can print a summary and exit non-zero on failure.
package internal
