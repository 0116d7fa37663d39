// Package task defines the recurring task domain: task kinds and their required
// parameters, interval units, the persisted Record, and the error taxonomy shared by
// the store, registry, scheduler and manager.
package task
