// Package jobs is the durable job queue and generation record store, backed
// by SQLite (modernc.org/sqlite, no cgo).
//
// A job moves pending -> model_loading -> processing -> completed|failed|cancelled.
// Terminal rows are never updated again; UpdateStatus and UpdateProgress on
// them return an error for which IsJobFinished reports true.
package jobs
