package dockersandbox

import "testing"

// Exercising Create/Exec/Stop/Destroy/GetPreview against the real Docker
// Engine API requires a running daemon, which this suite does not assume.
// The pure helpers below (container naming, label merge) are covered
// directly; the container lifecycle methods are not exercised here, and
// internal/provisioner's tests drive the ports.SandboxAPI contract through
// a fake implementation instead.

func TestSanitizeReplacesUnsafeCharacters(t *testing.T) {
	cases := map[string]string{
		"thread-123":        "thread-123",
		"thread_abc":         "thread_abc",
		"thread/with:colons": "thread-with-colons",
		"thread with spaces": "thread-with-spaces",
		"":                   "",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMergeLabelsCombinesAndOverrides(t *testing.T) {
	base := map[string]string{"kandev.component": "session-sandbox", "shared": "base"}
	extra := map[string]string{"kandev.thread_id": "t1", "shared": "extra"}

	got := mergeLabels(base, extra)

	if got["kandev.component"] != "session-sandbox" {
		t.Errorf("expected base label preserved, got %q", got["kandev.component"])
	}
	if got["kandev.thread_id"] != "t1" {
		t.Errorf("expected extra label present, got %q", got["kandev.thread_id"])
	}
	if got["shared"] != "extra" {
		t.Errorf("expected extra to override base on conflict, got %q", got["shared"])
	}
	if len(base) != 2 {
		t.Errorf("mergeLabels must not mutate base, got %v", base)
	}
}

func TestMergeLabelsEmptyBase(t *testing.T) {
	got := mergeLabels(nil, map[string]string{"a": "b"})
	if got["a"] != "b" {
		t.Errorf("expected merged label, got %v", got)
	}
}
