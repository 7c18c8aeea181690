package version

import "testing"

func TestStringFallbacks(t *testing.T) {
	oldTag, oldCommit, oldDate := tag, commit, date
	t.Cleanup(func() { tag, commit, date = oldTag, oldCommit, oldDate })

	fromBuildInfo()

	tag, commit, date = "v1.2.3", "abc1234", "2026-01-01"
	if got := String(); got != "v1.2.3" {
		t.Errorf("String() tagged = %q", got)
	}
	if got := Full(); got != "v1.2.3 (abc1234) built 2026-01-01" {
		t.Errorf("Full() tagged = %q", got)
	}

	tag = ""
	if got := String(); got != "abc1234" {
		t.Errorf("String() untagged = %q", got)
	}

	commit = "unknown"
	if got := String(); got != "dev" {
		t.Errorf("String() dev = %q", got)
	}
}
