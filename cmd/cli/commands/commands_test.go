package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fedsim/pkg/constants"
)

const smallConfig = `
rounds:
  max_rounds: 3
local:
  batch_size: 4
  decay_type: constant
simulation:
  partitions: 3
  min_examples: 8
  max_examples: 12
  eval_examples: 16
logging:
  level: error
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fedsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunWritesArtifacts(t *testing.T) {
	cfgPath := writeConfig(t, smallConfig)
	outDir := filepath.Join(t.TempDir(), "out")

	output, err := execute(t, "run", "--config", cfgPath, "--output-dir", outDir)
	require.NoError(t, err)

	assert.Contains(t, output, "(fedopt) finished after")
	assert.Contains(t, output, "Mean test accuracy:")

	for _, name := range []string{
		constants.ValAccTable + ".csv",
		constants.TestAccTable + ".csv",
		constants.LearningRateFile,
		constants.ResolvedConfig,
	} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}

	resolved, err := os.ReadFile(filepath.Join(outDir, constants.ResolvedConfig))
	require.NoError(t, err)
	assert.Contains(t, string(resolved), "run_id:")
}

func TestRunScaffoldWithProxyClients(t *testing.T) {
	cfgPath := writeConfig(t, smallConfig)
	outDir := t.TempDir()

	output, err := execute(t, "run", "--config", cfgPath, "--output-dir", outDir,
		"--algorithm", "scaffold", "--clients-per-round", "2", "--seed", "7")
	require.NoError(t, err)
	assert.Contains(t, output, "(scaffold) finished after")

	table, err := os.ReadFile(filepath.Join(outDir, constants.ValAccTable+".csv"))
	require.NoError(t, err)
	assert.Contains(t, string(table), constants.ProxyClientPrefix)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, smallConfig)

	_, err := execute(t, "run", "--config", cfgPath, "--output-dir", t.TempDir(), "--algorithm", "fedavg")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfgPath := writeConfig(t, smallConfig)

	output, err := execute(t, "validate", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, output, "Configuration is valid: fedopt with 3 partitions")

	output, err = execute(t, "validate", "--config", cfgPath, "--print")
	require.NoError(t, err)
	assert.Contains(t, output, "partitions: 3")
}

func TestValidateReportsFields(t *testing.T) {
	cfgPath := writeConfig(t, smallConfig+"algorithm: fedavg\n")

	output, err := execute(t, "validate", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, output, "algorithm: must be fedopt or scaffold")
}

func TestVersion(t *testing.T) {
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, constants.AppName+" "+constants.AppVersion)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLogger("debug", "json", &buf)
	require.NoError(t, err)
	logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = NewLogger("loud", "text", &buf)
	assert.Error(t, err)

	_, err = NewLogger("info", "xml", &buf)
	assert.Error(t, err)
}
