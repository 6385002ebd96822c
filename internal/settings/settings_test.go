package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ClemHeyd/stager/internal/environment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
stages: /srv/stages
timeout: 30m
exclude: ["99-*"]
env:
  DEBIAN_FRONTEND: noninteractive
mounts:
  - {type: proc, target: proc}
  - {type: bind, source: /etc/resolv.conf, target: etc/resolv.conf, readOnly: true}
containerd:
  namespace: builds
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadOverDefaults(t *testing.T) {
	s, err := Load(writeFile(t, sample), false)
	require.NoError(t, err)

	assert.Equal(t, "/srv/stages", s.Stages)
	assert.Equal(t, 30*time.Minute, s.Timeout)
	assert.Equal(t, []string{"99-*"}, s.Exclude)
	assert.Equal(t, "noninteractive", s.Env["DEBIAN_FRONTEND"])
	require.Len(t, s.Mounts, 2)
	assert.Equal(t, environment.MountBind, s.Mounts[1].Type)
	assert.True(t, s.Mounts[1].ReadOnly)

	// Defaults survive where the file is silent.
	assert.Equal(t, "C", s.Locale)
	assert.Equal(t, IsolationProcess, s.Isolation)
	assert.Equal(t, "builds", s.Containerd.Namespace)
	assert.NotEmpty(t, s.Containerd.Address)

	assert.NoError(t, s.Validate())
}

func TestLoadMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.yaml")

	s, err := Load(missing, true)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)

	_, err = Load(missing, false)
	assert.ErrorIs(t, err, ErrSettings)
}

func TestLoadMalformed(t *testing.T) {
	_, err := Load(writeFile(t, "stages: [unclosed"), false)
	assert.ErrorIs(t, err, ErrSettings)
}

func TestMergeOverrides(t *testing.T) {
	s, err := Load(writeFile(t, sample), false)
	require.NoError(t, err)

	require.NoError(t, s.Merge(&Settings{
		Root:    "/srv/rootfs",
		Exclude: []string{"50-*"},
		Env:     map[string]string{"HTTP_PROXY": "http://proxy:3128"},
	}))

	assert.Equal(t, "/srv/rootfs", s.Root)
	assert.Equal(t, "/srv/stages", s.Stages)
	assert.Equal(t, []string{"50-*"}, s.Exclude)
	assert.Equal(t, "noninteractive", s.Env["DEBIAN_FRONTEND"])
	assert.Equal(t, "http://proxy:3128", s.Env["HTTP_PROXY"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"valid", func(s *Settings) {}, false},
		{"missing stages", func(s *Settings) { s.Stages = "" }, true},
		{"negative timeout", func(s *Settings) { s.Timeout = -time.Second }, true},
		{"unknown isolation", func(s *Settings) { s.Isolation = "vm" }, true},
		{"container without image", func(s *Settings) { s.Isolation = IsolationContainer }, true},
		{"container with image", func(s *Settings) { s.Isolation = IsolationContainer; s.Image = "base.tar" }, false},
		{"bad mount", func(s *Settings) { s.Mounts = []environment.MountSpec{{Type: "overlay", Target: "x"}} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			s.Stages = "/srv/stages"
			tt.mutate(s)

			err := s.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSettings)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
