package commsutil

import "testing"

func TestBuildEventSubject(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		eventType string
		want      string
	}{
		{"default prefix", "", "message.private", "chat.events.message.private"},
		{"custom prefix", "prod.chat", "user.online", "prod.chat.user.online"},
		{"trailing dot", "chat.events.", "channel.created", "chat.events.channel.created"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildEventSubject(tt.prefix, tt.eventType)
			if got != tt.want {
				t.Errorf("BuildEventSubject(%q, %q) = %q, want %q", tt.prefix, tt.eventType, got, tt.want)
			}
		})
	}
}

func TestBuildServerSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		service string
		want    string
	}{
		{"simple", "chat.admin.broadcast", "chat-server", "chat.admin.broadcast.chat-server"},
		{"dotted service", "chat.admin.broadcast", "eu.node1", "chat.admin.broadcast.eu_node1"},
		{"wildcards stripped", "chat.admin.broadcast", "a*b>", "chat.admin.broadcast.a_b_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildServerSubject(tt.subject, tt.service)
			if got != tt.want {
				t.Errorf("BuildServerSubject(%q, %q) = %q, want %q", tt.subject, tt.service, got, tt.want)
			}
		})
	}
}
