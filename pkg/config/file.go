package config

import (
	"github.com/ajitpratap0/nebula-components/pkg/logger"
)

// File is the layout of the CLI configuration file:
//
//	logging:
//	  level: info
//	aggregation:
//	  name: orders
//	  dsn: ${DATABASE_URL}
//	events:
//	  name: enterprise
//	  credentials:
//	    client_id: ${BOX_CLIENT_ID}
type File struct {
	Logging     logger.Config     `yaml:"logging" json:"logging"`
	Aggregation AggregationConfig `yaml:"aggregation" json:"aggregation"`
	Events      EventsConfig      `yaml:"events" json:"events"`
}

// NewFile returns a File holding every default.
func NewFile() *File {
	return &File{
		Logging:     logger.DefaultConfig(),
		Aggregation: *NewAggregationConfig("aggregation"),
		Events:      *NewEventsConfig("events"),
	}
}

// LoadFile reads path over the defaults. An empty path returns the defaults.
func LoadFile(path string) (*File, error) {
	f := NewFile()
	if path == "" {
		return f, nil
	}
	if err := Load(path, f); err != nil {
		return nil, err
	}
	return f, nil
}
