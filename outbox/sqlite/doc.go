// Package sqlite implements the outbox store on SQLite (modernc.org/sqlite),
// for single-node deployments and tests.
//
// Open configures WAL and immediate transactions, so a claim holds the write
// lock from its first read and concurrent claimers in the same file never
// receive the same event.
package sqlite
