package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the root of the host configuration file, the concrete YAML
// rendering of the abstract configuration surface described by the
// provider manager's configuration contract.
type Document struct {
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Performance Performance               `yaml:"performance"`
	Dev         Dev                       `yaml:"dev"`
	Host        Host                      `yaml:"host"`
}

// Host carries the runtime locations the CLI surface needs outside the
// provider-manager proper: the Socket Hub's Unix socket and the status file
// `toolmeshd providers list` reads to report on a running instance.
type Host struct {
	SocketPath string `yaml:"socketPath"`
	StatusFile string `yaml:"statusFile"`
}

// ProviderConfig configures one external provider entry.
type ProviderConfig struct {
	Type           string         `yaml:"type"`
	Path           string         `yaml:"path"`
	Runtime        string         `yaml:"runtime"`
	Config         map[string]any `yaml:"config"`
	ChangeAnalysis ChangeAnalysis `yaml:"changeAnalysis"`
}

// ChangeAnalysis names the declarative predicates the Hot-Reload
// Coordinator uses to classify an observed configuration change.
type ChangeAnalysis struct {
	RestartTriggers []string `yaml:"restartTriggers"`
	ReinitTriggers  []string `yaml:"reinitTriggers"`
}

// Performance carries the host's timing knobs, expressed as Go duration
// strings in YAML (e.g. "30s") and parsed into time.Duration here.
type Performance struct {
	RequestTimeout              Duration `yaml:"requestTimeout"`
	ToolCallTimeout             Duration `yaml:"toolCallTimeout"`
	ProviderRegistrationTimeout Duration `yaml:"providerRegistrationTimeout"`
	ProviderShutdownGrace       Duration `yaml:"providerShutdownGrace"`
}

// Dev groups development-time toggles.
type Dev struct {
	HotReload bool `yaml:"hotReload"`
}

// Duration unmarshals YAML duration strings ("30s", "5m") into a
// time.Duration, since yaml.v3 has no native duration support.
type Duration time.Duration

// UnmarshalYAML implements the older func-based unmarshaler interface,
// which yaml.v3 still honours.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Dur returns d as a plain time.Duration.
func (d Duration) Dur() time.Duration { return time.Duration(d) }

// Load reads and parses the YAML configuration document at path, applying
// defaults for any zero-valued performance knob, then validates it.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	applyDefaults(&doc)

	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func applyDefaults(doc *Document) {
	if doc.Performance.RequestTimeout == 0 {
		doc.Performance.RequestTimeout = Duration(30 * time.Second)
	}
	if doc.Performance.ToolCallTimeout == 0 {
		doc.Performance.ToolCallTimeout = Duration(30 * time.Second)
	}
	if doc.Performance.ProviderRegistrationTimeout == 0 {
		doc.Performance.ProviderRegistrationTimeout = Duration(15 * time.Second)
	}
	if doc.Performance.ProviderShutdownGrace == 0 {
		doc.Performance.ProviderShutdownGrace = Duration(5 * time.Second)
	}
	if doc.Host.SocketPath == "" {
		doc.Host.SocketPath = filepath.Join(os.TempDir(), "toolmeshd.sock")
	}
	if doc.Host.StatusFile == "" {
		doc.Host.StatusFile = filepath.Join(os.TempDir(), "toolmeshd.status.json")
	}
}

// Validate checks required fields are present and that every
// changeAnalysis predicate list is well-formed (non-empty entries, no
// duplicate field paths between the two trigger sets for the same
// provider — a path cannot simultaneously demand both a restart and an
// in-place reinit).
func Validate(doc *Document) error {
	for name, p := range doc.Providers {
		if p.Type != "file" {
			return fmt.Errorf("config: provider %q: unsupported type %q (only \"file\" is supported)", name, p.Type)
		}
		if p.Path == "" {
			return fmt.Errorf("config: provider %q: path is required", name)
		}

		seen := make(map[string]bool, len(p.ChangeAnalysis.RestartTriggers))
		for _, trig := range p.ChangeAnalysis.RestartTriggers {
			if trig == "" {
				return fmt.Errorf("config: provider %q: restartTriggers contains an empty entry", name)
			}
			seen[trig] = true
		}
		for _, trig := range p.ChangeAnalysis.ReinitTriggers {
			if trig == "" {
				return fmt.Errorf("config: provider %q: reinitTriggers contains an empty entry", name)
			}
			if seen[trig] {
				return fmt.Errorf("config: provider %q: %q listed in both restartTriggers and reinitTriggers", name, trig)
			}
		}
	}
	return nil
}
