// Package scheduler is the in-memory scheduling engine.
//
// It keeps jobs and triggers keyed by (namespace, group, name), tracks each
// trigger's state, and once started fires triggers on their schedule:
//   - cron expressions and intervals through robfig/cron
//   - one-shot triggers through time.AfterFunc
//
// Fired jobs are handed to an Executor (normally internal/task/engine) together
// with the Handler registered for the job's Kind. The engine keeps no durable
// state of its own; see internal/schedstore for persistence and recovery.
package scheduler
