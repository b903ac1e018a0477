// Package identity owns the user aggregate and its persistence.
//
// Sessions never hold a *User; they carry the user ID and resolve it through
// one of the stores here (memory, PostgreSQL, SQLite). Every store enforces
// case-insensitive email uniqueness itself, so concurrent registrations with
// the same address cannot both succeed.
package identity
