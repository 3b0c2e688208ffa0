package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/always-cache/altsvc/alpn"
)

type Config struct {
	Port int `yaml:"port"`
	// Alt-svc cache file, loaded at startup and saved on shutdown.
	File string `yaml:"file"`
	// SQLite snapshot db, "memory" for an in-memory db.
	DB       string `yaml:"db"`
	ReadOnly bool   `yaml:"readOnly"`
	// Enabled protocols, e.g. "h1,h2". Defaults to the capabilities.
	Protocols string `yaml:"protocols"`
	// Protocols the client can speak, e.g. "h1,h2,h3".
	Capabilities string `yaml:"capabilities"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// applyFlags overrides config values with the flags given on the command line.
// Port and file fall back to the flag defaults if neither sets them.
func applyFlags(config *Config) {
	fileSet := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Port = portFlag
		case "file":
			config.File = fileFlag
			fileSet = true
		case "db":
			config.DB = dbFilenameFlag
		case "readonly":
			config.ReadOnly = readOnlyFlag
		case "protocols":
			config.Protocols = protocolsFlag
		case "capabilities":
			config.Capabilities = capabilitiesFlag
		}
	})
	if config.Port == 0 {
		config.Port = portFlag
	}
	// an explicit -file "" disables the file
	if config.File == "" && !fileSet {
		config.File = fileFlag
	}
}

func parseFlags(name, list string) (alpn.Flags, error) {
	flags, unknown := alpn.ParseFlags(list)
	if len(unknown) > 0 {
		return 0, fmt.Errorf("unknown %s: %v", name, unknown)
	}
	return flags, nil
}
