package signalmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMapFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plc_addresses.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadMappingFile(t *testing.T) {
	path := writeMapFile(t, `{
		"pressure_control": {
			"pressure_setpoint": {
				"address": "VD504",
				"comment": "target pressure",
				"min": 1.3,
				"max": 3.0
			}
		}
	}`)

	raw, err := ReadMappingFile(path)
	require.NoError(t, err)

	sig := raw["pressure_control"]["pressure_setpoint"]
	assert.Equal(t, "VD504", sig.Address)
	assert.Equal(t, "target pressure", sig.Comment)
	require.NotNil(t, sig.Min)
	require.NotNil(t, sig.Max)
	assert.Equal(t, 1.3, *sig.Min)
	assert.Equal(t, 3.0, *sig.Max)
}

func TestReadMappingFile_Errors(t *testing.T) {
	_, err := ReadMappingFile("/nonexistent/plc_addresses.json")
	assert.Error(t, err)

	_, err = ReadMappingFile(writeMapFile(t, "not json"))
	assert.Error(t, err)

	_, err = ReadMappingFile(writeMapFile(t, "{}"))
	assert.Error(t, err, "an empty map is a configuration mistake")
}

func TestFileSource_ReloadSeesFreshContent(t *testing.T) {
	path := writeMapFile(t, `{"sensors": {"ambient_o2": {"address": "AIW16"}}}`)
	source := FileSource{Path: path}

	raw, err := source.LoadSignalMap()
	require.NoError(t, err)
	assert.Equal(t, "AIW16", raw["sensors"]["ambient_o2"].Address)

	require.NoError(t, os.WriteFile(path, []byte(`{"sensors": {"ambient_o2": {"address": "AIW20"}}}`), 0o644))
	raw, err = source.LoadSignalMap()
	require.NoError(t, err)
	assert.Equal(t, "AIW20", raw["sensors"]["ambient_o2"].Address)
}
