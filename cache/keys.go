package cache

import "fmt"

// Key schema of the agent runtime. All keys carry a TTL: context lists
// default to 24h, per-run ancillaries to 2h.

// ContextKey is the session context window list, oldest first.
func ContextKey(sessionID string) string {
	return fmt.Sprintf("agent:context:%s", sessionID)
}

// TaskKey is the per-run ancillary hash.
func TaskKey(runID string) string {
	return fmt.Sprintf("agent:task:%s", runID)
}
