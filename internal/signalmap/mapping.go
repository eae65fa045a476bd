package signalmap

import (
	"encoding/json"
	"fmt"
	"os"
)

// RawSignal is one unparsed signal entry from the mapping file.
type RawSignal struct {
	Address string   `json:"address"`
	Comment string   `json:"comment,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

// RawMapping is the category -> name -> signal structure of the mapping file.
type RawMapping map[string]map[string]RawSignal

// ReadMappingFile reads and decodes a signal map file. It does not parse
// address tokens; that happens in Registry.Load so file and token errors are
// reported separately.
func ReadMappingFile(path string) (RawMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal map: %w", err)
	}
	var raw RawMapping
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse signal map: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("signal map %s contains no categories", path)
	}
	return raw, nil
}

// FileSource loads the raw mapping from a JSON file on disk. It implements
// the configuration-source contract consumed by the registry reload endpoint.
type FileSource struct {
	Path string
}

// LoadSignalMap reads the file fresh on every call so an edited map is
// picked up by a reload without restarting the process.
func (s FileSource) LoadSignalMap() (RawMapping, error) {
	return ReadMappingFile(s.Path)
}
