// Package projectconfig reads the declarative project configuration (config.xml).
package projectconfig

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the configuration file at the project root.
const FileName = "config.xml"

var ErrNotFound = errors.New("not found")

type widget struct {
	ID          string       `xml:"id,attr"`
	Version     string       `xml:"version,attr"`
	Engines     []engine     `xml:"engine"`
	Preferences []preference `xml:"preference"`
	Platforms   []platform   `xml:"platform"`
}

type engine struct {
	Name string `xml:"name,attr"`
	Spec string `xml:"spec,attr"`
}

type preference struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type platform struct {
	Name        string       `xml:"name,attr"`
	Preferences []preference `xml:"preference"`
}

// Config is a parsed config.xml.
type Config struct {
	w widget
}

// Load reads FileName from projectRoot.
// It returns ErrNotFound if the project has no configuration file.
func Load(projectRoot string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("projectconfig: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := new(Config)
	if err := xml.Unmarshal(data, &c.w); err != nil {
		return nil, fmt.Errorf("projectconfig: %w", err)
	}
	return c, nil
}

// ID returns the application id.
func (c *Config) ID() string {
	return c.w.ID
}

// Version returns the application version.
func (c *Config) Version() string {
	return c.w.Version
}

// EnginePin returns the version constraint pinned for the platform engine.
func (c *Config) EnginePin(platform string) (spec string, ok bool) {
	for _, e := range c.w.Engines {
		if e.Name == platform && e.Spec != "" {
			return e.Spec, true
		}
	}
	return "", false
}

// Preferences returns the declared preferences for platform.
// Platform-specific preferences override global ones.
func (c *Config) Preferences(platform string) map[string]string {
	prefs := make(map[string]string)
	for _, p := range c.w.Preferences {
		prefs[p.Name] = p.Value
	}
	for _, pl := range c.w.Platforms {
		if pl.Name != platform {
			continue
		}
		for _, p := range pl.Preferences {
			prefs[p.Name] = p.Value
		}
	}
	return prefs
}
