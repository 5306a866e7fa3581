package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/telemetryrelay/errors"
)

// dataFormatFile is the on-disk form of a DataFormat, a list of feeds.
type dataFormatFile struct {
	Feeds []*FeedFormat `yaml:"feeds"`
}

// ParseDataFormat decodes a YAML data format document:
//
//	feeds:
//	  - name: ""
//	    frequency_hz: 100
//	    parameters: [vCar:Chassis, nEngine:Engine]
//
// Feeds without a frequency default to 100 Hz.
func ParseDataFormat(data []byte) (*DataFormat, error) {
	var file dataFormatFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"schema", "ParseDataFormat", "decode yaml")
	}
	for _, f := range file.Feeds {
		if f.FrequencyHz == 0 {
			f.FrequencyHz = DefaultFrequencyHz
		}
	}
	return NewDataFormat(file.Feeds...)
}

// ParseConfiguration decodes a YAML configuration tree.
func ParseConfiguration(data []byte) (*Configuration, error) {
	var cfg Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"schema", "ParseConfiguration", "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDataFormatFile reads a data format from a YAML file.
func LoadDataFormatFile(path string) (*DataFormat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "schema", "LoadDataFormatFile", "read "+path)
	}
	return ParseDataFormat(data)
}

// LoadConfigurationFile reads a configuration tree from a YAML file.
func LoadConfigurationFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "schema", "LoadConfigurationFile", "read "+path)
	}
	return ParseConfiguration(data)
}
