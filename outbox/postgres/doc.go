// Package postgres implements the outbox store on PostgreSQL.
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED inside a single UPDATE, so any
// number of dispatchers can poll the same table without receiving the same
// event. Every later transition is conditional on the claim token stamped at
// claim time.
//
// Apply the schema with Migrate, which embeds the files under migrations/.
package postgres
