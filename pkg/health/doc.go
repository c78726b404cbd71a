/*
Package health provides the database-wide sticky health-flag register.

Unlike a periodic external checker, this health model has no poll loop: a
collaborator (storage engine, ingest path) calls Raise the moment it
detects a failure class, and every subsequent write consults Check against
a mask before proceeding. Flags never clear on their own — only Reset,
called across a close/reopen boundary, clears the register — so a
database that hit a persistent I/O error stays flagged for the remainder
of its open lifetime even if the underlying condition is transient.

# Usage

	h := health.New()
	...
	if err := engine.Put(kvs, key, val); err != nil {
		h.Raise(health.FlagIO)
	}
	...
	if h.Check(health.WriteMask) {
		return kvdberr.ErrHealth
	}
*/
package health
