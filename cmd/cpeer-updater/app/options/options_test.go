package options

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, o *UpdaterOptions, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	for _, f := range o.Flags().FlagSets {
		fs.AddFlagSet(f)
	}
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDefaultsValidate(t *testing.T) {
	o := NewUpdaterOptions()
	parse(t, o)
	assert.NoError(t, o.Validate())
}

func TestValidateAggregatesErrors(t *testing.T) {
	o := NewUpdaterOptions()
	parse(t, o, "--data-dir=relative", "--http.addr=nope", "--log.format=xml")

	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--data-dir")
	assert.Contains(t, err.Error(), "--log.format")
}

func TestConfigFileUnderFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpeer-updater.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance: edge-07
data-dir: /srv/updater
download-timeout: 3m
http:
  addr: 0.0.0.0:9000
mqtt:
  enabled: true
  topic-root: fleet/v2
`), 0o644))

	o := NewUpdaterOptions()
	fs := parse(t, o, "--config="+path, "--http.addr=127.0.0.1:9100")
	require.NoError(t, o.Complete(fs))

	assert.Equal(t, "edge-07", o.Updater.Instance)
	assert.Equal(t, "/srv/updater", o.Updater.DataDir)
	assert.Equal(t, 3*time.Minute, o.Updater.DownloadTimeout)
	assert.True(t, o.MqttOptions.Enabled)
	assert.Equal(t, "fleet/v2", o.MqttOptions.TopicRoot)
	assert.Equal(t, "127.0.0.1:9100", o.HttpOptions.Addr)
	assert.Equal(t, "/opt/app", o.Updater.InstallDir)
}

func TestCompleteWithoutConfigFile(t *testing.T) {
	o := NewUpdaterOptions()
	fs := parse(t, o, "--instance=edge-09")
	require.NoError(t, o.Complete(fs))
	assert.Equal(t, "edge-09", o.Updater.Instance)
}
