package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"appraisal/internal/domain"
	"appraisal/internal/events"
)

const FileName = "appraisal.yml"

// Config models appraisal.yml.
type Config struct {
	Workflow  WorkflowConfig    `yaml:"workflow"`
	Templates []domain.Template `yaml:"templates"`
	// Team seeds reporting lines, employee id to manager id.
	Team     map[string]string `yaml:"team"`
	Webhooks []WebhookConfig   `yaml:"webhooks"`
}

type WorkflowConfig struct {
	Reopen      ReopenConfig  `yaml:"reopen"`
	Notes       NotesConfig   `yaml:"notes"`
	Rating      RatingConfig  `yaml:"rating"`
	AssignRoles []domain.Role `yaml:"assign_roles"`
}

type ReopenConfig struct {
	MinReasonLength   int           `yaml:"min_reason_length"`
	UnrestrictedRoles []domain.Role `yaml:"unrestricted_roles"`
	ScopedRoles       []domain.Role `yaml:"scoped_roles"`
	MaxHierarchyDepth int           `yaml:"max_hierarchy_depth"`
}

type NotesConfig struct {
	MaxLength int `yaml:"max_length"`
}

type RatingConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Template returns the catalog entry with the given id.
func (c *Config) Template(id string) (domain.Template, bool) {
	for _, t := range c.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Template{}, false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	r := c.Workflow.Reopen
	if r.MinReasonLength < 1 {
		return fmt.Errorf("workflow.reopen.min_reason_length must be positive")
	}
	if r.MaxHierarchyDepth < 1 {
		return fmt.Errorf("workflow.reopen.max_hierarchy_depth must be positive")
	}
	if len(r.UnrestrictedRoles) == 0 {
		return fmt.Errorf("workflow.reopen.unrestricted_roles is required")
	}
	seen := map[domain.Role]string{}
	for _, list := range []struct {
		name  string
		roles []domain.Role
	}{{"unrestricted_roles", r.UnrestrictedRoles}, {"scoped_roles", r.ScopedRoles}} {
		for _, role := range list.roles {
			if !role.Valid() {
				return fmt.Errorf("workflow.reopen.%s has unknown role %q", list.name, role)
			}
			if role == domain.RoleEmployee || role == domain.RoleManager {
				return fmt.Errorf("workflow.reopen.%s cannot include %s", list.name, role)
			}
			if prev, ok := seen[role]; ok {
				return fmt.Errorf("role %s is listed in both %s and %s", role, prev, list.name)
			}
			seen[role] = list.name
		}
	}
	if c.Workflow.Notes.MaxLength < 1 {
		return fmt.Errorf("workflow.notes.max_length must be positive")
	}
	if c.Workflow.Rating.Min >= c.Workflow.Rating.Max {
		return fmt.Errorf("workflow.rating.min must be below workflow.rating.max")
	}
	for _, role := range c.Workflow.AssignRoles {
		if !role.Valid() || role == domain.RoleEmployee {
			return fmt.Errorf("workflow.assign_roles has invalid role %q", role)
		}
	}
	ids := map[string]bool{}
	for _, t := range c.Templates {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("templates: %w", err)
		}
		if ids[t.ID] {
			return fmt.Errorf("templates: duplicate template %s", t.ID)
		}
		ids[t.ID] = true
	}
	for emp, mgr := range c.Team {
		if strings.TrimSpace(emp) == "" || strings.TrimSpace(mgr) == "" {
			return fmt.Errorf("team: empty employee or manager id")
		}
		if emp == mgr {
			return fmt.Errorf("team: %s cannot report to themselves", emp)
		}
	}
	hooks := map[string]bool{}
	for i, h := range c.Webhooks {
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		for _, k := range h.Events {
			if !events.Kind(k).Known() {
				return fmt.Errorf("webhooks[%d].events has unknown kind %q", i, k)
			}
		}
		id := h.HookID(i)
		if hooks[id] {
			return fmt.Errorf("webhooks: duplicate id %s", id)
		}
		hooks[id] = true
	}
	return nil
}

// HookID is the cursor key of the webhook at position i.
func (h WebhookConfig) HookID(i int) string {
	if strings.TrimSpace(h.ID) != "" {
		return h.ID
	}
	return fmt.Sprintf("webhook-%d", i)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with apr config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses config from raw YAML bytes, fills unset workflow settings
// with defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) applyDefaults() {
	w := &c.Workflow
	if w.Reopen.MinReasonLength == 0 {
		w.Reopen.MinReasonLength = 10
	}
	if w.Reopen.MaxHierarchyDepth == 0 {
		w.Reopen.MaxHierarchyDepth = 10
	}
	if w.Reopen.UnrestrictedRoles == nil {
		w.Reopen.UnrestrictedRoles = []domain.Role{domain.RoleAdmin, domain.RoleHRLead, domain.RoleHR}
	}
	if w.Reopen.ScopedRoles == nil {
		w.Reopen.ScopedRoles = []domain.Role{domain.RoleTeamLead}
	}
	if w.Notes.MaxLength == 0 {
		w.Notes.MaxLength = 2000
	}
	if w.Rating.Min == 0 && w.Rating.Max == 0 {
		w.Rating.Max = 100
	}
	if w.AssignRoles == nil {
		w.AssignRoles = []domain.Role{domain.RoleManager, domain.RoleHR, domain.RoleHRLead, domain.RoleAdmin}
	}
}

const defaultTemplate = `workflow:
  reopen:
    min_reason_length: 10
    unrestricted_roles: [admin, hrlead, hr]
    scoped_roles: [teamlead]
    max_hierarchy_depth: 10
  notes:
    max_length: 2000
  rating:
    min: 0
    max: 100
  assign_roles: [manager, hr, hrlead, admin]

templates:
  - id: annual
    name: Annual performance review
    sections:
      - id: self
        title: Self assessment
        completion_role: employee
        questions:
          - id: achievements
            title: What were your main achievements this period?
            type: text
            required: true
          - id: challenges
            title: What held you back?
            type: text
      - id: manager
        title: Manager assessment
        completion_role: manager
        questions:
          - id: performance
            title: Overall performance (1-5)
            type: rating
            required: true
          - id: strengths
            title: Observed strengths
            type: text
            required: true
      - id: development
        title: Development
        completion_role: both
        questions:
          - id: growth
            title: Where should the next period focus?
            type: text
            required: true
      - id: goals
        title: Goals
        completion_role: both
        questions:
          - id: next-goals
            title: Goals for the next period
            type: goal
          - id: previous-goals
            title: Achievement of previous goals
            type: goal

team: {}

webhooks: []
`
