// internal/agent/main_test.go
package agent_test

import (
	"os"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/voyager-cli/internal/config"
	"github.com/xkilldash9x/voyager-cli/internal/observability"
)

// TestMain initializes the shared logger once for the whole package.
func TestMain(m *testing.M) {
	cfg := config.NewDefaultConfig()
	logCfg := cfg.Logger
	logCfg.Level = "debug"
	logCfg.ServiceName = "test-suite"
	logCfg.Format = "console"

	observability.Initialize(logCfg, zapcore.Lock(os.Stdout))

	exitCode := m.Run()

	observability.Sync()
	observability.ResetForTest()
	os.Exit(exitCode)
}
