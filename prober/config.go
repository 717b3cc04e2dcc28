package prober

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/letsencrypt/ct-prober/pki"
	"gopkg.in/yaml.v3"
)

const (
	// default probe interval, the time between the starts of two rounds
	probeIntervalDefault = "600s"
	// default bound on each request a monitor makes to its log
	updateTimeoutDefault = "15s"
	// default metrics listen host address
	metricsAddrDefault = ":1971"
)

// Config is a struct holding the prober configuration data
type Config struct {
	// ProbeInterval is the time between the starts of two probe rounds
	ProbeInterval string `json:"probeInterval" yaml:"probeInterval"`
	// UpdateTimeout bounds each request a monitor makes to its log
	UpdateTimeout string `json:"updateTimeout" yaml:"updateTimeout"`
	MetricsAddr   string `json:"metricsAddr" yaml:"metricsAddr"`
	// DBURI is a MySQL DSN for checkpoint storage. When it is empty
	// checkpoints are kept in memory and lost on restart.
	DBURI string `json:"dbURI" yaml:"dbURI"`
	// DBPasswordFile optionally holds the password for DBURI
	DBPasswordFile string      `json:"dbPasswordFile" yaml:"dbPasswordFile"`
	Logs           []LogConfig `json:"logs" yaml:"logs"`
}

// LogConfig describes a log to be monitored
type LogConfig struct {
	URI string `json:"uri" yaml:"uri"`
	// LogID is the base64 encoded SHA256 hash of the log's public key
	LogID string `json:"logID" yaml:"logID"`
	// Key is the base64 encoded DER public key of the log
	Key string `json:"key" yaml:"key"`
}

// Valid checks that a LogConfig is valid. If the log has no URI, an invalid
// URI, no log ID or no Key configured then an error is returned. The Key must
// be a public key and the LogID must be the hash of it.
func (lc LogConfig) Valid() error {
	if lc.URI == "" {
		return errors.New("log URI must not be empty")
	}
	if url, err := url.Parse(lc.URI); err != nil {
		return fmt.Errorf("log URI %q is invalid: %s", lc.URI, err.Error())
	} else if url.Scheme != "http" && url.Scheme != "https" {
		return fmt.Errorf("log URI %q is invalid: protocol scheme must be http:// or https://", lc.URI)
	}
	if lc.LogID == "" {
		return fmt.Errorf("log %q LogID must not be empty", lc.URI)
	}
	if lc.Key == "" {
		return fmt.Errorf("log %q Key must not be empty", lc.URI)
	}
	_, der, err := pki.ParseLogKey(lc.Key)
	if err != nil {
		return fmt.Errorf("log %q Key is invalid: %s", lc.URI, err)
	}
	if id := pki.LogID(der); id != lc.LogID {
		return fmt.Errorf("log %q LogID %q does not match its Key, expected %q",
			lc.URI, lc.LogID, id)
	}
	return nil
}

// Valid checks that a config is valid. If the ProbeInterval or UpdateTimeout
// is invalid, or there are no logs configured, or a configured log is
// invalid, then an error is returned. Defaults are populated for an empty
// ProbeInterval, UpdateTimeout and MetricsAddr.
func (c *Config) Valid() error {
	if c.ProbeInterval == "" {
		c.ProbeInterval = probeIntervalDefault
	}
	if c.UpdateTimeout == "" {
		c.UpdateTimeout = updateTimeoutDefault
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = metricsAddrDefault
	}
	if d, err := time.ParseDuration(c.ProbeInterval); err != nil {
		return err
	} else if d <= 0 {
		return fmt.Errorf("ProbeInterval %q must be positive", c.ProbeInterval)
	}
	if d, err := time.ParseDuration(c.UpdateTimeout); err != nil {
		return err
	} else if d <= 0 {
		return fmt.Errorf("UpdateTimeout %q must be positive", c.UpdateTimeout)
	}
	if c.DBPasswordFile != "" && c.DBURI == "" {
		return errors.New("DBPasswordFile requires a DBURI")
	}
	if len(c.Logs) < 1 {
		return errors.New("At least one log must be configured")
	}
	seen := make(map[string]bool, len(c.Logs))
	for _, lc := range c.Logs {
		if err := lc.Valid(); err != nil {
			return err
		}
		if seen[lc.LogID] {
			return fmt.Errorf("log ID %q is configured more than once", lc.LogID)
		}
		seen[lc.LogID] = true
	}
	return nil
}

// Load unmarshals the contents stored in the file path provided, populating
// the configuration object. Files ending in .yaml or .yml are read as YAML,
// everything else as JSON. An error is returned if the populated
// configuration is not valid.
func (c *Config) Load(file string) error {
	if file == "" {
		return errors.New("Config file path must not be empty")
	}

	configBytes, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(configBytes, c)
	default:
		err = json.Unmarshal(configBytes, c)
	}
	if err != nil {
		return err
	}

	return c.Valid()
}

// probeInterval and updateTimeout must only be called on a Valid config
func (c Config) probeInterval() time.Duration {
	d, _ := time.ParseDuration(c.ProbeInterval)
	return d
}

func (c Config) updateTimeout() time.Duration {
	d, _ := time.ParseDuration(c.UpdateTimeout)
	return d
}
