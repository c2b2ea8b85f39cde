// Package stores provides the durable storage backends for execution state.
//
// The Backend interface models the logical structures the execution
// repository persists: field-map records, unordered sets, scored indexes,
// ordered lists, and plain key/value entries. All writes run inside a
// single atomic transaction via Update.
//
// Two implementations exist: SQLiteStore is the primary backend, and
// BadgerStore serves as the legacy delegate during storage migrations.
package stores
