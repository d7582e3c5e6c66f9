package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectEventPrefix    = "chat.events"
	SubjectAdminBroadcast = "chat.admin.broadcast"
)

// BuildEventSubject builds the granular subject for one event type, e.g.
// chat.events.message.private. An empty prefix falls back to SubjectEventPrefix.
func BuildEventSubject(prefix, eventType string) string {
	if prefix == "" {
		prefix = SubjectEventPrefix
	}
	return fmt.Sprintf("%s.%s", strings.TrimSuffix(prefix, "."), eventType)
}

// BuildServerSubject scopes subject to one server instance, e.g.
// chat.admin.broadcast.chat-server.
func BuildServerSubject(subject, serviceName string) string {
	safe := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(serviceName)
	return fmt.Sprintf("%s.%s", subject, safe)
}
