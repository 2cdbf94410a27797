// Package scheduler drains the job queue one job at a time. Each cycle claims
// the oldest pending job, resolves its model, prepares the backend through
// the process manager and hands the job to the executor dispatcher.
package scheduler
