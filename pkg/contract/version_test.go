package contract

import "testing"

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		constraint string
		wantErr    bool
	}{
		{"default constraint", "1.0.0", "", false},
		{"minor bump", "1.4.2", "^1.0.0", false},
		{"major bump", "2.0.0", "^1.0.0", true},
		{"tilde", "1.2.9", "~1.2.0", false},
		{"tilde miss", "1.3.0", "~1.2.0", true},
		{"invalid version", "not-a-version", "^1.0.0", true},
		{"invalid constraint", "1.0.0", ">>nope", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Resolve(&ContractConfig{Name: "t", Version: tt.version, Signals: []string{"s"}})
			if err != nil {
				t.Fatalf("contract:version_test - resolve: %v", err)
			}
			err = c.CheckCompatible(tt.constraint)
			if tt.wantErr && err == nil {
				t.Fatal("contract:version_test - expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("contract:version_test - unexpected error: %v", err)
			}
		})
	}
}

func TestMajor(t *testing.T) {
	c, _ := Resolve(&ContractConfig{Name: "t", Version: "3.1.4", Signals: []string{"s"}})
	if got := c.Major(); got != 3 {
		t.Errorf("contract:version_test - Major() = %d, want 3", got)
	}
	bad, _ := Resolve(&ContractConfig{Name: "t", Version: "x", Signals: []string{"s"}})
	if got := bad.Major(); got != -1 {
		t.Errorf("contract:version_test - Major() = %d, want -1", got)
	}
}
