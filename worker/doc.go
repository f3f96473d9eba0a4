// Package worker defines worker registrations, the options forwarded to the
// engine when a worker is created, and the in-memory registry that guarantees
// at most one registration per (kind, domain, task list, type) tuple.
package worker
