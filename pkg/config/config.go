package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = ".gamectl.yaml"

// DefaultSessionName is the session used when the config file does not set one.
const DefaultSessionName = "game_system"

type File struct {
	Session      string            `yaml:"session,omitempty"`
	EnvRoot      string            `yaml:"env_root,omitempty"`     // venv directory, relative to repo root
	Requirements string            `yaml:"requirements,omitempty"` // pip requirements manifest
	EnvFile      string            `yaml:"env_file,omitempty"`     // dotenv file the services read
	Services     []Service         `yaml:"services"`
	Env          map[string]string `yaml:"env,omitempty"` // extra env applied to every service
}

type Service struct {
	Name        string            `yaml:"name"`
	Label       string            `yaml:"label,omitempty"` // window label; defaults to Name
	Cwd         string            `yaml:"cwd,omitempty"`
	Command     []string          `yaml:"command"`
	Env         map[string]string `yaml:"env,omitempty"`
	DependsOn   string            `yaml:"depends_on,omitempty"`
	SettleDelay time.Duration     `yaml:"settle_delay,omitempty"`
	Ready       *Probe            `yaml:"ready,omitempty"`
}

type Probe struct {
	Type    string        `yaml:"type"` // "tcp" | "http"
	Address string        `yaml:"address,omitempty"`
	URL     string        `yaml:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// UnmarshalYAML parses durations written as "500ms" or "2s"; yaml.v3 only
// decodes time.Duration from raw nanosecond integers.
func (s *Service) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Name        string            `yaml:"name"`
		Label       string            `yaml:"label"`
		Cwd         string            `yaml:"cwd"`
		Command     []string          `yaml:"command"`
		Env         map[string]string `yaml:"env"`
		DependsOn   string            `yaml:"depends_on"`
		SettleDelay string            `yaml:"settle_delay"`
		Ready       *Probe            `yaml:"ready"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*s = Service{
		Name:      aux.Name,
		Label:     aux.Label,
		Cwd:       aux.Cwd,
		Command:   aux.Command,
		Env:       aux.Env,
		DependsOn: aux.DependsOn,
		Ready:     aux.Ready,
	}
	if aux.SettleDelay != "" {
		d, err := time.ParseDuration(aux.SettleDelay)
		if err != nil {
			return errors.Wrapf(err, "service %q: parse settle_delay", aux.Name)
		}
		s.SettleDelay = d
	}
	return nil
}

func (p *Probe) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Type    string `yaml:"type"`
		Address string `yaml:"address"`
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*p = Probe{Type: aux.Type, Address: aux.Address, URL: aux.URL}
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return errors.Wrap(err, "parse probe timeout")
		}
		p.Timeout = d
	}
	return nil
}

func DefaultPath(repoRoot string) string {
	return filepath.Join(repoRoot, DefaultConfigFilename)
}

// Default reproduces the platform layout: database first, then the developer
// and player services, each gated on the database being reachable.
func Default() *File {
	return &File{
		Session:      DefaultSessionName,
		EnvRoot:      "venv",
		Requirements: "requirements.txt",
		EnvFile:      ".env",
		Services: []Service{
			{
				Name:        "database",
				Cwd:         "server",
				Command:     []string{"python3", "db.py"},
				SettleDelay: 2 * time.Second,
			},
			{
				Name:        "developer",
				Cwd:         "server",
				Command:     []string{"python3", "developer_server.py"},
				DependsOn:   "database",
				SettleDelay: 1 * time.Second,
			},
			{
				Name:      "player",
				Cwd:       "server",
				Command:   []string{"python3", "player_server.py"},
				DependsOn: "database",
			},
		},
	}
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOptional falls back to the built-in platform defaults when no config
// file exists.
func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

func (f *File) applyDefaults() {
	if f.Session == "" {
		f.Session = DefaultSessionName
	}
	if f.EnvRoot == "" {
		f.EnvRoot = "venv"
	}
	if f.Requirements == "" {
		f.Requirements = "requirements.txt"
	}
	if f.EnvFile == "" {
		f.EnvFile = ".env"
	}
}

// Validate enforces unique service names and that depends_on only references
// a service declared earlier. The declared order is the launch order.
func (f *File) Validate() error {
	if len(f.Services) == 0 {
		return errors.New("no services configured")
	}
	seen := map[string]struct{}{}
	for i, svc := range f.Services {
		if svc.Name == "" {
			return errors.Errorf("service %d missing name", i)
		}
		if _, ok := seen[svc.Name]; ok {
			return errors.Errorf("duplicate service name %q", svc.Name)
		}
		if len(svc.Command) == 0 {
			return errors.Errorf("service %q missing command", svc.Name)
		}
		if svc.DependsOn != "" {
			if _, ok := seen[svc.DependsOn]; !ok {
				return errors.Errorf("service %q depends on %q which is not declared before it", svc.Name, svc.DependsOn)
			}
		}
		if svc.Ready != nil {
			switch svc.Ready.Type {
			case "tcp":
				if svc.Ready.Address == "" {
					return errors.Errorf("service %q tcp probe missing address", svc.Name)
				}
			case "http":
				if svc.Ready.URL == "" && svc.Ready.Address == "" {
					return errors.Errorf("service %q http probe missing url", svc.Name)
				}
			default:
				return errors.Errorf("service %q unsupported probe type %q", svc.Name, svc.Ready.Type)
			}
		}
		seen[svc.Name] = struct{}{}
	}
	return nil
}

// WindowLabel returns the window label for a service.
func (s Service) WindowLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}
