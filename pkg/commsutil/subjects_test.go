package commsutil

import "testing"

func TestURLForAddr(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{"call", "127.0.0.1:5556", "nats://127.0.0.1:5556"},
		{"event", "localhost:5667", "nats://localhost:5667"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := URLForAddr(tt.addr); got != tt.want {
				t.Errorf("URLForAddr(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestSubjectsDistinct(t *testing.T) {
	if SubjectCall == SubjectEvent {
		t.Errorf("commsutil:subjects_test - call and event subjects must differ")
	}
}
