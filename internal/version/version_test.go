package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

// stamp sets the ldflags variables for one test.
func stamp(t *testing.T, version, commit, date string) {
	t.Helper()
	oldV, oldC, oldD := Version, GitCommit, BuildDate
	Version, GitCommit, BuildDate = version, commit, date
	t.Cleanup(func() { Version, GitCommit, BuildDate = oldV, oldC, oldD })
}

func TestInfo(t *testing.T) {
	tests := []struct {
		name   string
		commit string
		want   string
	}{
		{"full sha shortened", "3f9c2a1b7d4e5f60718293a4b5c6d7e8f9012345", "commit 3f9c2a1,"},
		{"short sha kept", "abc12", "commit abc12,"},
		{"unstamped", "unknown", "commit unknown,"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stamp(t, "1.4.0", tc.commit, "2025-07-06")
			info := Info()
			assert.Contains(t, info, "printbridge 1.4.0")
			assert.Contains(t, info, tc.want)
			assert.Contains(t, info, "built 2025-07-06")
			assert.Contains(t, info, runtime.Version())
		})
	}
}

func TestShortDefault(t *testing.T) {
	assert.Equal(t, "dev", Short())
}

func TestUserAgent(t *testing.T) {
	stamp(t, "1.4.0", "unknown", "unknown")
	assert.Equal(t, "printbridge/1.4.0 ("+runtime.GOOS+"/"+runtime.GOARCH+")", UserAgent())
}

func TestMap(t *testing.T) {
	m := Map()
	for _, key := range []string{"version", "git_commit", "build_date", "go_version", "os", "arch"} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, "dev", m["version"])
	assert.Equal(t, runtime.Version(), m["go_version"])
}
