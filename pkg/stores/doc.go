// Package stores persists lampbox run history in SQLite: runs, the actions
// each run performed, the last known state of every site, collected facts
// and an audit trail. The schema is managed with embedded migrations.
package stores
