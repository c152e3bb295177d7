// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/voyager-cli/internal/config"
	"github.com/xkilldash9x/voyager-cli/internal/observability"
)

// quietLogger silences the global logger for the duration of a test so
// command output stays readable.
func quietLogger(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
	t.Cleanup(observability.ResetForTest)
}

// withConfigFile points the config flag variable at a temp file so tests
// never pick up a developer's real config.yaml.
func withConfigFile(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	old := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = old })
	return path
}

func TestRootCmdVersionFlag(t *testing.T) {
	quietLogger(t)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, Version+"\n", out.String())
}

func TestVersionCommand(t *testing.T) {
	quietLogger(t)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, Version+"\n", out.String())
}

func TestRootCmdNoArgs(t *testing.T) {
	quietLogger(t)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "Voyager drives a real browser")
}

func TestInitializeConfig(t *testing.T) {
	t.Run("EnvOverridesDefault", func(t *testing.T) {
		withConfigFile(t, "")
		t.Setenv("VOYAGER_AGENT_MAX_STEPS", "7")

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(&cobra.Command{}, v))

		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Agent.MaxSteps)
	})

	t.Run("FileOverridesDefault", func(t *testing.T) {
		withConfigFile(t, "agent:\n  max_failures: 5\n")

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(&cobra.Command{}, v))

		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Agent.MaxFailures)
	})

	t.Run("ChangedFlagWinsOverFile", func(t *testing.T) {
		withConfigFile(t, "browser:\n  headless: true\n")

		cmd := &cobra.Command{}
		cmd.Flags().Bool("headless", true, "")
		require.NoError(t, cmd.Flags().Set("headless", "false"))

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(cmd, v))

		assert.False(t, v.GetBool("browser.headless"))
	})

	t.Run("UnchangedFlagKeepsFileValue", func(t *testing.T) {
		withConfigFile(t, "browser:\n  headless: false\n")

		cmd := &cobra.Command{}
		cmd.Flags().Bool("headless", true, "")

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(cmd, v))

		assert.False(t, v.GetBool("browser.headless"))
	})

	t.Run("MissingExplicitFileErrors", func(t *testing.T) {
		old := cfgFile
		cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
		t.Cleanup(func() { cfgFile = old })

		v := viper.New()
		config.SetDefaults(v)
		require.Error(t, initializeConfig(&cobra.Command{}, v))
	})
}

func TestGetConfigFromContext(t *testing.T) {
	t.Run("Missing", func(t *testing.T) {
		_, err := getConfigFromContext(context.Background())
		require.Error(t, err)
	})

	t.Run("Present", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		ctx := context.WithValue(context.Background(), configKey, cfg)

		got, err := getConfigFromContext(ctx)
		require.NoError(t, err)
		assert.Same(t, cfg, got)
	})
}
