// Package sqlstore provides repositories backed by MySQL or SQLite. It owns
// the connection pool, the embedded schema migrations, and the strongly typed
// queries for turns, the credit ledger and automation rules.
package sqlstore
