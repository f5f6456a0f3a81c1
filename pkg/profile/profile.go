/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: profile.go
Description: Application profiles. A profile bundles everything that differs between target
applications: package identity, APK lookup markers, scan windows, the extraction pattern set,
enrichment endpoints and output layout. Built-in profiles are embedded YAML; custom profiles can
be loaded from a file.
*/

package profile

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/kleascm/heapkey/pkg/capture"
	"github.com/kleascm/heapkey/pkg/enrich"
	"github.com/kleascm/heapkey/pkg/extract"
	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var builtin embed.FS

// Default is the profile used when none is configured.
const Default = "dji-fly"

// APK describes how the installable package is found in the work directory.
type APK struct {
	File       string   `yaml:"file"`
	Product    string   `yaml:"product"`
	Categories []string `yaml:"categories"`
	// AllowAny permits falling back to the only *.apk present when nothing matches by name.
	AllowAny bool `yaml:"allow_any"`
}

// Broker holds defaults for the broker probe.
type Broker struct {
	DefaultDomain string `yaml:"default_domain"`
	DefaultPort   int    `yaml:"default_port"`
}

// EnvVar maps a record field, or a literal value, to an env file key.
type EnvVar struct {
	Key   string `yaml:"key"`
	Field string `yaml:"field,omitempty"`
	Value string `yaml:"value,omitempty"`
}

// Row formats.
const (
	FormatText = ""
	FormatList = "list"
	FormatFlag = "flag"
)

// Row is one line (or block, for lists) of the report.
type Row struct {
	Label   string `yaml:"label,omitempty"`
	Field   string `yaml:"field,omitempty"`
	Value   string `yaml:"value,omitempty"`
	Default string `yaml:"default,omitempty"`
	Format  string `yaml:"format,omitempty"`
	Yes     string `yaml:"yes,omitempty"`
	No      string `yaml:"no,omitempty"`
	// Unset is shown for a flag that was never recorded. Empty falls back to No.
	Unset string `yaml:"unset,omitempty"`
}

// Section is a titled block of the report.
type Section struct {
	Title string `yaml:"title"`
	Rows  []Row  `yaml:"rows"`
}

// Output describes the persisted artifacts.
type Output struct {
	EnvFile    string    `yaml:"env_file"`
	ReportFile string    `yaml:"report_file"`
	Env        []EnvVar  `yaml:"env"`
	Report     []Section `yaml:"report"`
	Usage      string    `yaml:"usage"`
}

// Profile is one target application.
type Profile struct {
	Name         string             `yaml:"name"`
	Title        string             `yaml:"title"`
	Package      string             `yaml:"package"`
	Activity     string             `yaml:"activity,omitempty"`
	APK          APK                `yaml:"apk"`
	AVD          string             `yaml:"avd"`
	SystemImage  string             `yaml:"system_image"`
	InstallFlags []string           `yaml:"install_flags"`
	Settle       time.Duration      `yaml:"settle"`
	Windows      capture.Policy     `yaml:"windows"`
	Patterns     extract.PatternSet `yaml:"patterns"`
	Enrich       enrich.Config      `yaml:"enrich"`
	Broker       Broker             `yaml:"broker"`
	Output       Output             `yaml:"output"`
}

// Validate checks the profile and compiles its pattern set.
func (p *Profile) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("profile has no name")
	case p.Package == "":
		return fmt.Errorf("profile %s: package is required", p.Name)
	case p.APK.File == "" && p.APK.Product == "":
		return fmt.Errorf("profile %s: apk file or product marker is required", p.Name)
	case p.Output.EnvFile == "" || p.Output.ReportFile == "":
		return fmt.Errorf("profile %s: env_file and report_file are required", p.Name)
	case p.Settle < 0:
		return fmt.Errorf("profile %s: settle must not be negative", p.Name)
	}
	if err := p.Windows.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if err := p.Patterns.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if err := p.Enrich.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	for _, v := range p.Output.Env {
		if v.Key == "" || strings.ContainsAny(v.Key, "= \n") {
			return fmt.Errorf("profile %s: invalid env key %q", p.Name, v.Key)
		}
	}
	return nil
}

// Parse decodes and validates a profile document. Unknown keys are rejected.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if p.Title == "" {
		p.Title = p.Name
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Names lists the built-in profiles.
func Names() []string {
	entries, _ := builtin.ReadDir("profiles")
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Builtin loads an embedded profile by name.
func Builtin(name string) (*Profile, error) {
	data, err := builtin.ReadFile(path.Join("profiles", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return Parse(data)
}

// Load resolves ref as a built-in name, or as a YAML file when it names one.
func Load(ref string) (*Profile, error) {
	if ref == "" {
		ref = Default
	}
	if strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") {
		data, err := os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read profile: %w", err)
		}
		return Parse(data)
	}
	return Builtin(ref)
}
