package version

import (
	"strings"
	"testing"
)

func TestStringIsSemver(t *testing.T) {
	v := String()
	if !strings.HasPrefix(v, "v") || strings.Count(v, ".") < 2 {
		t.Errorf("String() = %q", v)
	}
}

func TestFullNamesProtocol(t *testing.T) {
	full := Full()
	for _, want := range []string{"sealtunnel", String(), "sealtunnel-v1", "hello 0x0001"} {
		if !strings.Contains(full, want) {
			t.Errorf("Full() = %q, missing %q", full, want)
		}
	}
}

func TestShortRevision(t *testing.T) {
	tests := []struct {
		build Build
		want  string
	}{
		{Build{}, ""},
		{Build{Modified: true}, ""},
		{Build{Revision: "abc123"}, "abc123"},
		{Build{Revision: "0123456789abcdef0123"}, "0123456789ab"},
		{Build{Revision: "0123456789abcdef0123", Modified: true}, "0123456789ab-dirty"},
	}
	for _, tt := range tests {
		if got := tt.build.ShortRevision(); got != tt.want {
			t.Errorf("%+v.ShortRevision() = %q, want %q", tt.build, got, tt.want)
		}
	}
}

func TestReadBuildUnderTest(t *testing.T) {
	// Test binaries carry module information.
	if b := ReadBuild(); b.GoVersion == "" {
		t.Error("ReadBuild returned no Go version")
	}
}
