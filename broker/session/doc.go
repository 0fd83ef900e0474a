// Package session provides the per-request pairing session entity and the
// in-process registry of live sessions.
//
// The session package implements:
//   - Short random session ID generation
//   - The Session entity with its status, responded guard and timer
//   - A concurrency-safe Store of live sessions
//   - A Workspace holding one credential directory per session
//
// Session Identifiers:
//
// IDs are 5 characters drawn from A-Z, a-z and 0-9. The generator does not
// check uniqueness; the Store rejects an insert for an id that is already
// live and the Workspace refuses to provision an existing directory.
//
// Store:
//
// The Store is the single source of truth for which sessions exist. Remove
// is atomic and reports whether the caller removed the entry, which makes
// it the claim point for cleanup:
//
//	if sess, ok := store.Remove(id); ok {
//		// only one caller ever gets here for a given session
//	}
//
// Workspace:
//
// Each session owns a directory under the workspace root. It is created by
// Provision and deleted recursively by Remove, which tolerates a directory
// that is already gone. SweepOrphans deletes directories left behind by a
// previous process, since the in-memory Store starts empty after restart.
package session
