// Package stores keeps the history of apply and destroy runs in SQLite.
//
// The reconciliation state itself lives in a state backend; this store only
// records what each run attempted and how it ended, one row per rule
// operation. SQLiteStore implements engine.RunRecorder.
package stores
