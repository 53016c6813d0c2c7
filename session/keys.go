package session

// Substrate key layout. Keys are deterministic so any process can find any
// record: sessions/<id>, locks/<resource>, claims/<task>, outbox/<session id>,
// projects/<project id>.
const (
	SessionPrefix = "sessions/"
	LockPrefix    = "locks/"
	ClaimPrefix   = "claims/"
	OutboxPrefix  = "outbox/"
	ProjectPrefix = "projects/"
)

func SessionKey(id string) string        { return SessionPrefix + id }
func LockKey(resource string) string     { return LockPrefix + resource }
func ClaimKey(taskID string) string      { return ClaimPrefix + taskID }
func OutboxKey(sessionID string) string  { return OutboxPrefix + sessionID }
func ProjectKey(projectID string) string { return ProjectPrefix + projectID }
