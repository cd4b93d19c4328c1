// Package stream implements the download core of a streaming
// BitTorrent client: chunk scheduling over peers and web seeds,
// playback-aware selection and partial download persistence.
package stream

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config holds the tunables of a download session.
type Config struct {
	// Database is the path of the resume database file.
	Database string `yaml:"database"`
	// DataDir is where downloaded data is kept.
	DataDir string `yaml:"data_dir"`

	// WebSeedsEnabled turns HTTP bulk sources on or off.
	WebSeedsEnabled bool `yaml:"webseeds_enabled"`
	// MaxWebSeedFailures disables a web seed after this many
	// consecutive failed transfers.
	MaxWebSeedFailures int `yaml:"max_webseed_failures"`

	// UpdateInterval is the scheduler tick.
	UpdateInterval time.Duration `yaml:"update_interval"`
	// StreamManagerInterval is the deadline watcher tick.
	StreamManagerInterval time.Duration `yaml:"stream_manager_interval"`
	// SpeedCounterInterval is the rate estimator tick.
	SpeedCounterInterval time.Duration `yaml:"speed_counter_interval"`
}

// DefaultConfig is used when no config file is given.
var DefaultConfig = Config{
	Database:              "~/.libktorrent-stream/resume.db",
	DataDir:               "~/.libktorrent-stream/data",
	WebSeedsEnabled:       true,
	MaxWebSeedFailures:    3,
	UpdateInterval:        time.Second,
	StreamManagerInterval: 2 * time.Second,
	SpeedCounterInterval:  5 * time.Second,
}

// LoadConfig reads the config from a YAML file, falling back to
// DefaultConfig when the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Database, err = homedir.Expand(c.Database); err != nil {
		return nil, err
	}
	if c.DataDir, err = homedir.Expand(c.DataDir); err != nil {
		return nil, err
	}
	return &c, nil
}
