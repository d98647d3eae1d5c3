package version

import "testing"

func TestAgent(t *testing.T) {
	v, c, b := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = v, c, b })

	Version = "1.2.3"
	if got := Agent(); got != "updown-recorder/1.2.3" {
		t.Errorf("Agent() = %q", got)
	}
	Commit, BuildTime = "abc123", "2025-10-17T00:00:00Z"
	if got, want := String(), "updown-recorder 1.2.3 (abc123) built 2025-10-17T00:00:00Z"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
