package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const profileTableJSON = `{
	"g$, h$": {"sys_name": "cluster-a"},
	"h$":     {"sys_name": "cluster-b"},
	"special": {"sys_name": "cluster-c"}
}`

func tablePath(t *testing.T) CallPath {
	t.Helper()
	return CallPath{
		{Location: "a", Operation: "f"},
		{Location: "b", Operation: "g"},
		{Location: "c", Operation: "h"},
	}
}

func TestResolveIgnoreSentinel(t *testing.T) {
	r := NewResolver(profileTableJSON, zap.NewNop())
	profile, err := r.Resolve(IgnoreRemote(), tablePath(t), "")
	require.NoError(t, err)
	assert.Nil(t, profile, "ignore sentinel must force local execution")
}

func TestResolveExplicitProfile(t *testing.T) {
	r := NewResolver("", zap.NewNop())
	want := &RemoteProfile{SysName: "direct"}
	profile, err := r.Resolve(&RemoteInfo{Profile: want}, nil, "")
	require.NoError(t, err)
	assert.Same(t, want, profile)
}

func TestResolveSingleInlineProfile(t *testing.T) {
	r := NewResolver("", zap.NewNop())
	profile, err := r.Resolve(&RemoteInfo{Raw: `{"sys_name": "solo"}`}, nil, "")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "solo", profile.SysName)
}

func TestResolveTableByCallPath(t *testing.T) {
	tests := []struct {
		name string
		path CallPath
		want string // empty means local
	}{
		{
			"two-pattern suffix match",
			tablePath(t),
			"cluster-a",
		},
		{
			"single-pattern tail match falls to second key",
			CallPath{{Location: "x", Operation: "q"}, {Location: "c", Operation: "h"}},
			"cluster-b",
		},
		{
			"no pattern matches",
			CallPath{{Location: "x", Operation: "nothing"}},
			"",
		},
		{
			"path shorter than pattern list",
			CallPath{{Location: "c", Operation: "h"}},
			"cluster-b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(profileTableJSON, zap.NewNop())
			profile, err := r.Resolve(nil, tt.path, "")
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, profile)
				return
			}
			require.NotNil(t, profile)
			assert.Equal(t, tt.want, profile.SysName)
		})
	}
}

func TestResolveNoKeyMatches(t *testing.T) {
	r := NewResolver(`{"x$": {"sys_name": "never"}}`, zap.NewNop())
	profile, err := r.Resolve(nil, tablePath(t), "")
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestResolveFirstMatchWins(t *testing.T) {
	// Both keys match the path; document order decides, not
	// specificity.
	table := `{
		"h$": {"sys_name": "first"},
		"c::h$": {"sys_name": "second"}
	}`
	r := NewResolver(table, zap.NewNop())
	profile, err := r.Resolve(nil, CallPath{{Location: "c", Operation: "h"}}, "")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "first", profile.SysName)
}

func TestResolveLabelShortcut(t *testing.T) {
	r := NewResolver(profileTableJSON, zap.NewNop())

	profile, err := r.Resolve(nil, nil, "special")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "cluster-c", profile.SysName)

	// A label that names no key falls through to path matching.
	profile, err = r.Resolve(nil, CallPath{{Location: "c", Operation: "h"}}, "nonesuch")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "cluster-b", profile.SysName)
}

func TestResolveFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote_info.json")
	require.NoError(t, os.WriteFile(path, []byte(profileTableJSON), 0o644))

	r := NewResolver(path, zap.NewNop())
	profile, err := r.Resolve(nil, tablePath(t), "")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "cluster-a", profile.SysName)
}

func TestResolveFromQuotedFilename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote_info.json")
	require.NoError(t, os.WriteFile(path, []byte(profileTableJSON), 0o644))

	// JSON-encoding a filename is still a filename, not a profile.
	r := NewResolver(`"`+path+`"`, zap.NewNop())
	profile, err := r.Resolve(nil, tablePath(t), "")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "cluster-a", profile.SysName)
}

func TestResolveMissingFile(t *testing.T) {
	r := NewResolver("/nonexistent/remote_info.json", zap.NewNop())
	_, err := r.Resolve(nil, nil, "")
	assert.Error(t, err)
}

func TestResolveNoDefault(t *testing.T) {
	r := NewResolver("", zap.NewNop())
	profile, err := r.Resolve(nil, tablePath(t), "")
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestResolveCallArgumentOverridesDefault(t *testing.T) {
	r := NewResolver(`{"sys_name": "default"}`, zap.NewNop())
	profile, err := r.Resolve(&RemoteInfo{Raw: `{"sys_name": "override"}`}, nil, "")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "override", profile.SysName)
}

func TestCallPathPush(t *testing.T) {
	base := CallPath{{Location: "a", Operation: "f"}}
	extended := base.Push(CallSite{Location: "b", Operation: "g"})
	assert.Len(t, base, 1, "Push must not modify the receiver")
	assert.Equal(t, []string{"a::f", "b::g"}, extended.Strings())
}
