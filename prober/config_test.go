package prober

import (
	"errors"
	"reflect"
	"testing"

	"github.com/letsencrypt/ct-prober/test"
)

const (
	birchKey   = "MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAElgyN7ptarCAX5krBwDwjhHM+b0xJjCKke+Dfr3GWSbLm3eO7muXRo8FDDdpdiRpnG4NJT0bdzq5YEer4C2eZ+g=="
	birchLogID = "DPpdPfL76GcHiJx2qDrHaMxWUia9vNhk/tzWgicETgI="
)

func TestLogConfigValid(t *testing.T) {
	testCases := []struct {
		Name   string
		Config LogConfig
		Valid  bool
	}{
		{
			Name:   "Empty log URI",
			Config: LogConfig{},
		},
		{
			Name:   "Invalid log URI",
			Config: LogConfig{URI: "☭"},
		},
		{
			Name:   "Invalid log URI scheme",
			Config: LogConfig{URI: "☮://test"},
		},
		{
			Name:   "Empty log ID",
			Config: LogConfig{URI: "http://test.com", Key: birchKey},
		},
		{
			Name:   "Empty log key",
			Config: LogConfig{URI: "http://test.com", LogID: birchLogID},
		},
		{
			Name:   "Illegal log key",
			Config: LogConfig{URI: "http://test.com", LogID: birchLogID, Key: "⚷"},
		},
		{
			Name:   "Mismatched log ID",
			Config: LogConfig{URI: "http://test.com", LogID: "bm90IGJpcmNo", Key: birchKey},
		},
		{
			Name:   "Valid log config",
			Config: LogConfig{URI: "https://test.com", LogID: birchLogID, Key: birchKey},
			Valid:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			if err := tc.Config.Valid(); err != nil && tc.Valid {
				t.Errorf("Expected log config %#v to be valid, had error: %s",
					tc.Config, err)
			} else if err == nil && !tc.Valid {
				t.Errorf("Expected log config %#v to be invalid, had nil error",
					tc.Config)
			}
		})
	}
}

func TestConfigValid(t *testing.T) {
	birch := LogConfig{URI: "https://localhost", LogID: birchLogID, Key: birchKey}
	validConfig := Config{
		ProbeInterval: "2s",
		Logs:          []LogConfig{birch},
	}

	testCases := []struct {
		Name   string
		Config Config
		Valid  bool
	}{
		{
			Name: "Invalid probe interval",
			Config: Config{
				ProbeInterval: "idk, whenever you feel like it I guess?",
				Logs:          []LogConfig{birch},
			},
		},
		{
			Name: "Zero probe interval",
			Config: Config{
				ProbeInterval: "0s",
				Logs:          []LogConfig{birch},
			},
		},
		{
			Name: "Invalid update timeout",
			Config: Config{
				UpdateTimeout: "soon",
				Logs:          []LogConfig{birch},
			},
		},
		{
			Name: "Negative update timeout",
			Config: Config{
				UpdateTimeout: "-1s",
				Logs:          []LogConfig{birch},
			},
		},
		{
			Name: "No log configs",
			Config: Config{
				ProbeInterval: "2s",
			},
		},
		{
			Name: "Invalid log",
			Config: Config{
				ProbeInterval: "2s",
				Logs:          []LogConfig{{}},
			},
		},
		{
			Name: "Duplicate log",
			Config: Config{
				Logs: []LogConfig{birch, birch},
			},
		},
		{
			Name: "Password file without DB URI",
			Config: Config{
				DBPasswordFile: "/etc/shadow",
				Logs:           []LogConfig{birch},
			},
		},
		{
			Name:   "Valid config",
			Config: validConfig,
			Valid:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			if err := tc.Config.Valid(); err != nil && tc.Valid {
				t.Errorf("Expected config %#v to be valid, had error: %s", tc.Config, err)
			} else if err == nil && !tc.Valid {
				t.Errorf("Expected config %#v to be invalid, had nil error",
					tc.Config)
			}
		})
	}

	// Also test that a Config without optional settings gets the defaults
	// assigned in `Valid()`
	defaulted := Config{Logs: []LogConfig{birch}}
	if err := defaulted.Valid(); err != nil {
		t.Fatalf("Config without optional settings was considered invalid: %s", err)
	}
	if defaulted.MetricsAddr != ":1971" {
		t.Errorf("Config has MetricsAddr %q after .Valid(), expected %q",
			defaulted.MetricsAddr, ":1971")
	}
	if defaulted.ProbeInterval != "600s" {
		t.Errorf("Config has ProbeInterval %q after .Valid(), expected %q",
			defaulted.ProbeInterval, "600s")
	}
	if defaulted.UpdateTimeout != "15s" {
		t.Errorf("Config has UpdateTimeout %q after .Valid(), expected %q",
			defaulted.UpdateTimeout, "15s")
	}
	if defaulted.probeInterval().Seconds() != 600 {
		t.Errorf("Expected a 600s probe interval, got %s", defaulted.probeInterval())
	}
}

func TestConfigLoad(t *testing.T) {
	goodConfig := `
{
  "probeInterval": "120s",
  "metricsAddr": ":1971",
  "logs": [
    {
      "uri": "https://birch.ct.letsencrypt.org/2018",
      "logID": "DPpdPfL76GcHiJx2qDrHaMxWUia9vNhk/tzWgicETgI=",
      "key": "MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAElgyN7ptarCAX5krBwDwjhHM+b0xJjCKke+Dfr3GWSbLm3eO7muXRo8FDDdpdiRpnG4NJT0bdzq5YEer4C2eZ+g=="
    }
  ]
}`
	goodConfigFile := test.WriteTemp(t, goodConfig, "good.config.json", 0600)

	goodYAMLConfig := `
probeInterval: 120s
metricsAddr: ":1971"
logs:
  - uri: https://birch.ct.letsencrypt.org/2018
    logID: DPpdPfL76GcHiJx2qDrHaMxWUia9vNhk/tzWgicETgI=
    key: MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAElgyN7ptarCAX5krBwDwjhHM+b0xJjCKke+Dfr3GWSbLm3eO7muXRo8FDDdpdiRpnG4NJT0bdzq5YEer4C2eZ+g==
`
	goodYAMLConfigFile := test.WriteTemp(t, goodYAMLConfig, "good.config.yaml", 0600)

	badConfig := `{`
	badConfigFile := test.WriteTemp(t, badConfig, "bad.config.json", 0600)

	invalidConfig := `{"probeInterval": "120s"}`
	invalidConfigFile := test.WriteTemp(t, invalidConfig, "invalid.config.json", 0600)

	expected := &Config{
		ProbeInterval: "120s",
		UpdateTimeout: "15s",
		MetricsAddr:   ":1971",
		Logs: []LogConfig{
			{
				URI:   "https://birch.ct.letsencrypt.org/2018",
				LogID: birchLogID,
				Key:   birchKey,
			},
		},
	}

	testCases := []struct {
		Name           string
		Filepath       string
		ExpectedConfig *Config
		Error          error
	}{
		{
			Name:  "Empty filepath",
			Error: errors.New("Config file path must not be empty"),
		},
		{
			Name:     "Bad config filepath",
			Filepath: badConfigFile,
			Error:    errors.New("unexpected end of JSON input"),
		},
		{
			Name:     "Invalid config",
			Filepath: invalidConfigFile,
			Error:    errors.New("At least one log must be configured"),
		},
		{
			Name:           "Good config",
			Filepath:       goodConfigFile,
			ExpectedConfig: expected,
		},
		{
			Name:           "Good YAML config",
			Filepath:       goodYAMLConfigFile,
			ExpectedConfig: expected,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			conf := Config{}
			err := conf.Load(tc.Filepath)
			if err != nil {
				if tc.Error == nil {
					t.Errorf("Expected nil error, got %#v", err)
				} else if err.Error() != tc.Error.Error() {
					t.Errorf("Expected error %q, got %q", tc.Error.Error(), err.Error())
				}
			} else if tc.ExpectedConfig == nil {
				t.Errorf("Expected error %q, got nil", tc.Error.Error())
			} else if equal := reflect.DeepEqual(conf, *tc.ExpectedConfig); !equal {
				t.Errorf("Expected config %#v, got %#v", *tc.ExpectedConfig, conf)
			}
		})
	}

	// A missing file is an error
	conf := Config{}
	if err := conf.Load(goodConfigFile + ".missing"); err == nil {
		t.Errorf("Expected an error loading a missing config file")
	}
}
