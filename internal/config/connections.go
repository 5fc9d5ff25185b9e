package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InitialConnections is the on-disk description of the connections a node
// creates when it starts.
type InitialConnections struct {
	Connections []NetworkConnection `yaml:"connections"`
	SSH         []SSHConnection     `yaml:"ssh"`
}

// NetworkConnection is a contact point definition such as
// "tcp:10.0.0.5:21000(autoRetryInitialDelay=5)".
type NetworkConnection struct {
	Name             string `yaml:"name"`
	Definition       string `yaml:"definition"`
	ConnectOnStartup bool   `yaml:"connectOnStartup"`
}

type SSHConnection struct {
	Name             string `yaml:"name"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	User             string `yaml:"user"`
	KeyFile          string `yaml:"keyFile"`
	UsePassphrase    bool   `yaml:"usePassphrase"`
	ConnectOnStartup bool   `yaml:"connectOnStartup"`
	AutoRetry        bool   `yaml:"autoRetry"`
}

// LoadConnections reads the initial connections file. A missing path yields
// an empty result.
func LoadConnections(path string) (*InitialConnections, error) {
	conns := &InitialConnections{}
	if path == "" {
		return conns, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return conns, nil
		}
		return nil, fmt.Errorf("read connections file: %w", err)
	}
	if err := yaml.Unmarshal(data, conns); err != nil {
		return nil, fmt.Errorf("parse connections file: %w", err)
	}
	for i, c := range conns.SSH {
		if c.Host == "" {
			return nil, fmt.Errorf("ssh connection %d: host is required", i)
		}
		if c.Port == 0 {
			conns.SSH[i].Port = 22
		}
		if c.Name == "" {
			conns.SSH[i].Name = fmt.Sprintf("%s@%s", c.User, c.Host)
		}
	}
	for i, c := range conns.Connections {
		if c.Definition == "" {
			return nil, fmt.Errorf("connection %d: definition is required", i)
		}
	}
	return conns, nil
}
