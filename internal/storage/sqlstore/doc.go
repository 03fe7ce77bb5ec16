// Package sqlstore persists goal lifecycle events to MySQL or SQLite. The
// journal is append-only, mirroring the rule that goals are never deleted.
package sqlstore
