// Package config loads and validates the declarative instance
// description (incant.yaml). Raw YAML never leaves this package: the
// rest of the program works with the typed Config.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Names tried in order when no explicit config path is given. The .tmpl
// variants are rendered through text/template before YAML parsing.
var searchNames = []string{
	"incant.yaml",
	"incant.yaml.tmpl",
	".incant.yaml",
	".incant.yaml.tmpl",
}

type Config struct {
	Project   ProjectSetting      `yaml:"project"`
	Instances map[string]Instance `yaml:"instances"`

	// Dir is the directory containing the config file, used to derive
	// the project name and as the shared-folder source.
	Dir string `yaml:"-"`
}

type Instance struct {
	Image     string        `yaml:"image"`
	VM        bool          `yaml:"vm"`
	Profiles  []string      `yaml:"profiles"`
	Config    KV            `yaml:"config"`
	Devices   map[string]KV `yaml:"devices"`
	Network   string        `yaml:"network"`
	Type      string        `yaml:"type"`
	Wait      bool          `yaml:"wait"`
	Provision StepList      `yaml:"provision"`
}

// ProjectSetting accepts either a bool (derive the project name from the
// config directory) or a string naming the project directly.
type ProjectSetting struct {
	Enabled bool
	Name    string
}

func (p *ProjectSetting) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		p.Enabled = b
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		p.Enabled = s != ""
		p.Name = s
		return nil
	}
	return fmt.Errorf("project must be a boolean or a project name")
}

func (p ProjectSetting) MarshalYAML() (any, error) {
	if p.Name != "" {
		return p.Name, nil
	}
	return p.Enabled, nil
}

// KV is a string map that also accepts scalar YAML values like
// `limits.processes: 100`.
type KV map[string]string

func (m *KV) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	out := make(KV, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	*m = out
	return nil
}

// ValidationError aggregates every problem found in a config so the user
// sees them all at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Find resolves the config file path. An explicit path wins; otherwise
// the working directory is searched for the well-known names.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for _, name := range searchNames {
		path := filepath.Join(cwd, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found (looked for %s)", strings.Join(searchNames, ", "))
}

// Load reads, optionally renders, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if strings.HasSuffix(path, ".tmpl") {
		data, err = render(data)
		if err != nil {
			return nil, fmt.Errorf("rendering %s: %w", filepath.Base(path), err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.Dir = filepath.Dir(abs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func render(data []byte) ([]byte, error) {
	tmpl, err := template.New("config").Funcs(template.FuncMap{
		"env": os.Getenv,
	}).Parse(string(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Config) Validate() error {
	var problems []string
	if len(c.Instances) == 0 {
		problems = append(problems, "no instances defined")
	}
	for name, inst := range c.Instances {
		if name == "" {
			problems = append(problems, "instance with empty name")
			continue
		}
		if strings.ContainsAny(name, " /") {
			problems = append(problems, fmt.Sprintf("instance %q: name must not contain spaces or slashes", name))
		}
		if inst.Image == "" {
			problems = append(problems, fmt.Sprintf("instance %q: no image defined", name))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Names returns the declared instance names in stable sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Instances))
	for name := range c.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select validates a user-provided instance selection against the
// config and returns it sorted with duplicates removed. An empty
// selection means all instances.
func (c *Config) Select(names []string) ([]string, error) {
	if len(names) == 0 {
		return c.Names(), nil
	}
	var unknown []string
	for _, name := range names {
		if _, ok := c.Instances[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, &ValidationError{
			Problems: []string{fmt.Sprintf("instance(s) not found in config: %s", strings.Join(unknown, ", "))},
		}
	}
	out := append([]string(nil), names...)
	sort.Strings(out)
	return slices.Compact(out), nil
}

// Dump re-encodes the loaded configuration as YAML.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return string(data), nil
}
