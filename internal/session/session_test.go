package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ClemHeyd/stager/internal/pipeline"
	"github.com/ClemHeyd/stager/internal/settings"
	"github.com/ClemHeyd/stager/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Creates a stage directory holding the given executable scripts.
func stagesDir(t *testing.T, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	}
	return dir
}

func newSession(t *testing.T, s *settings.Settings) *Session {
	t.Helper()
	sess, err := New(s, Options{StateDir: t.TempDir()})
	require.NoError(t, err)
	return sess
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	_, err := New(settings.Defaults(), Options{})
	assert.ErrorIs(t, err, settings.ErrSettings)
}

func TestNewDefaultsRootUnderStateDir(t *testing.T) {
	state := t.TempDir()
	s := settings.Defaults()
	s.Stages = t.TempDir()

	sess, err := New(s, Options{StateDir: state})
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, filepath.Join(state, "roots", sess.ID()), sess.Root())
	assert.Equal(t, filepath.Join(state, "runs", sess.ID()), sess.RunDir())
}

func TestNewKeepsExplicitRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	s := settings.Defaults()
	s.Stages = t.TempDir()
	s.Root = root

	sess := newSession(t, s)
	assert.Equal(t, root, sess.Root())
}

func TestPlan(t *testing.T) {
	s := settings.Defaults()
	s.Stages = stagesDir(t, map[string]string{
		"10-base.sh":    "true",
		"20-tools.sh":   "true",
		"99-cleanup.sh": "true",
	})
	s.Exclude = []string{"99-*"}

	plan, err := newSession(t, s).Plan()
	require.NoError(t, err)
	assert.Equal(t, []string{"10-base", "20-tools"}, stage.Labels(plan))
}

func TestRunSucceeds(t *testing.T) {
	dir := stagesDir(t, map[string]string{
		"01-hello.sh": `echo hello > "$STAGER_ROOT/hello"`,
		"02-files.sh": `cp "$STAGER_FILES/motd" "$STAGER_ROOT/motd"`,
	})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "motd"), []byte("welcome\n"), 0o644))

	s := settings.Defaults()
	s.Stages = dir

	var states []pipeline.State
	sess, err := New(s, Options{
		StateDir:     t.TempDir(),
		OnTransition: func(tr pipeline.Transition) { states = append(states, tr.To) },
	})
	require.NoError(t, err)

	res, err := sess.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, pipeline.Finished, states[len(states)-1])

	data, err := os.ReadFile(filepath.Join(sess.Root(), "motd"))
	require.NoError(t, err)
	assert.Equal(t, "welcome\n", string(data))

	rep, err := pipeline.ReadReport(filepath.Join(sess.RunDir(), pipeline.ReportFile))
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.FileExists(t, filepath.Join(sess.RunDir(), "01-hello.sh.log"))
}

func TestRunFailureStopsPipeline(t *testing.T) {
	s := settings.Defaults()
	s.Stages = stagesDir(t, map[string]string{
		"01-ok.sh":    "true",
		"02-fail.sh":  "exit 4",
		"03-never.sh": `touch "$STAGER_ROOT/never"`,
	})

	sess := newSession(t, s)
	res, err := sess.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrStageFailed)
	assert.False(t, res.Success)
	assert.Len(t, res.Records, 2)
	assert.NoFileExists(t, filepath.Join(sess.Root(), "never"))

	rec, ok := res.Failed()
	require.True(t, ok)
	assert.Equal(t, "fail", rec.Stage.Name)
	assert.Equal(t, 4, rec.ExitCode)
}

func TestRunExportsImage(t *testing.T) {
	s := settings.Defaults()
	s.Stages = stagesDir(t, map[string]string{
		"01-write.sh": `echo built > "$STAGER_ROOT/artifact"`,
	})
	s.Export = filepath.Join(t.TempDir(), "image.tar")
	s.Reference = "example/built:latest"

	res, err := newSession(t, s).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.FileExists(t, s.Export)
}

func TestRunSkipsExportOnFailure(t *testing.T) {
	s := settings.Defaults()
	s.Stages = stagesDir(t, map[string]string{"01-fail.sh": "exit 1"})
	s.Export = filepath.Join(t.TempDir(), "image.tar")

	_, err := newSession(t, s).Run(context.Background())
	require.Error(t, err)
	assert.NoFileExists(t, s.Export)
}
