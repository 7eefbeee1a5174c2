package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "run.exe", c.Module)
	assert.Equal(t, PatchLocal, c.PatchMode)
	assert.Equal(t, RestoreSoft, c.ProtectRestore)
	assert.Equal(t, 5*time.Second, c.InjectTimeout)
}

func TestParseOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
module: game.exe
patch-mode: remote
protect-restore: hard
inject-timeout: 2s
ring-capacity: 256
log:
  level: debug
  categories:
    Memory: false
  bot: bot-3
`))
	require.NoError(t, err)
	assert.Equal(t, "game.exe", c.Module)
	assert.Equal(t, PatchRemote, c.PatchMode)
	assert.Equal(t, RestoreHard, c.ProtectRestore)
	assert.Equal(t, 2*time.Second, c.InjectTimeout)
	assert.Equal(t, 256, c.RingCapacity)
	assert.Equal(t, DefaultPollInterval, c.PollInterval, "unset keys keep defaults")
	assert.Equal(t, map[string]bool{"Memory": false}, c.Log.Categories)
	assert.Equal(t, "bot-3", c.Log.Bot)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"mode":     "patch-mode: sideways",
		"restore":  "protect-restore: maybe",
		"ring":     "ring-capacity: 100",
		"timeout":  "inject-timeout: 0s",
		"level":    "log:\n  level: loud",
		"unknown":  "colour: blue",
		"module":   "module: ''",
		"negative": "drain-grace: -1s",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hook.yml")
	c := Default()
	c.PatchMode = PatchRemote
	c.DrainGrace = 75 * time.Millisecond
	require.NoError(t, Save(path, c))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
