// Package journal persists finalization history in SQLite: one row
// per run plus one destruction event per resource outcome. The schema
// is managed through embedded migrations.
package journal
