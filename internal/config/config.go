package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"workreport/internal/domain"
)

// Config models workreport.yml (or workreport.toml).
type Config struct {
	Owner         string         `yaml:"owner" toml:"owner" json:"owner"`
	Collaborators string         `yaml:"collaborators" toml:"collaborators" json:"collaborators"`
	Projects      []string       `yaml:"projects" toml:"projects" json:"projects"`
	Mode          string         `yaml:"mode" toml:"mode" json:"mode" enum:"batch,per-commit"`
	Source        string         `yaml:"source" toml:"source" json:"source" enum:"git,go-git"`
	ExcludeFiles  []string       `yaml:"exclude_files,omitempty" toml:"exclude_files,omitempty" json:"exclude_files,omitempty"`
	Window        WindowConfig   `yaml:"window" toml:"window" json:"window"`
	LLM           LLMConfig      `yaml:"llm" toml:"llm" json:"llm"`
	Template      TemplateConfig `yaml:"template" toml:"template" json:"template"`
	Output        OutputConfig   `yaml:"output" toml:"output" json:"output"`
	LastUsed      string         `yaml:"last_used,omitempty" toml:"last_used,omitempty" json:"last_used,omitempty"`
}

type WindowConfig struct {
	Since        string `yaml:"since,omitempty" toml:"since,omitempty" json:"since,omitempty" format:"date"`
	Until        string `yaml:"until,omitempty" toml:"until,omitempty" json:"until,omitempty" format:"date"`
	WeekStartsOn string `yaml:"week_starts_on" toml:"week_starts_on" json:"week_starts_on" enum:"monday,sunday"`
	Workdays     int    `yaml:"workdays" toml:"workdays" json:"workdays"`
}

type LLMConfig struct {
	BaseURL           string  `yaml:"base_url" toml:"base_url" json:"base_url"`
	Model             string  `yaml:"model" toml:"model" json:"model"`
	APIKey            string  `yaml:"-" toml:"-" json:"-"`
	APIKeyEnv         string  `yaml:"api_key_env" toml:"api_key_env" json:"api_key_env"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds"`
	Temperature       float32 `yaml:"temperature" toml:"temperature" json:"temperature"`
	MaxTokens         int     `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`
	CommitTemperature float32 `yaml:"commit_temperature" toml:"commit_temperature" json:"commit_temperature"`
	CommitMaxTokens   int     `yaml:"commit_max_tokens" toml:"commit_max_tokens" json:"commit_max_tokens"`
	MaxFilesPerCommit int     `yaml:"max_files_per_commit" toml:"max_files_per_commit" json:"max_files_per_commit"`
}

// Timeout returns the HTTP timeout of a single completion call.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type TemplateConfig struct {
	Path            string  `yaml:"path" toml:"path" json:"path"`
	Sheet           string  `yaml:"sheet,omitempty" toml:"sheet,omitempty" json:"sheet,omitempty"`
	TitleColumn     string  `yaml:"title_column" toml:"title_column" json:"title_column"`
	TitleRow        int     `yaml:"title_row" toml:"title_row" json:"title_row"`
	TaskStartRow    int     `yaml:"task_start_row" toml:"task_start_row" json:"task_start_row"`
	TaskCapacity    int     `yaml:"task_capacity" toml:"task_capacity" json:"task_capacity"`
	ProblemStartRow int     `yaml:"problem_start_row" toml:"problem_start_row" json:"problem_start_row"`
	ProblemCapacity int     `yaml:"problem_capacity" toml:"problem_capacity" json:"problem_capacity"`
	DetailColumn    string  `yaml:"detail_column" toml:"detail_column" json:"detail_column"`
	FontSize        float64 `yaml:"font_size" toml:"font_size" json:"font_size"`
}

type OutputConfig struct {
	Dir      string `yaml:"dir" toml:"dir" json:"dir"`
	FileName string `yaml:"file_name" toml:"file_name" json:"file_name"`
	Title    string `yaml:"title" toml:"title" json:"title"`
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML for an owner.
func GenerateDefault(owner string) string {
	if owner == "" {
		return defaultTemplate
	}
	return strings.Replace(defaultTemplate, `owner: "me"`, fmt.Sprintf("owner: %q", owner), 1)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workreport.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// FromFile reads a YAML or TOML config from the given path, chosen by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML parses config over the defaults and validates it.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML serialises the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Mode {
	case domain.ModeBatch, domain.ModePerCommit:
	default:
		return fmt.Errorf("config.mode must be %q or %q", domain.ModeBatch, domain.ModePerCommit)
	}
	switch c.Source {
	case "git", "go-git":
	default:
		return fmt.Errorf("config.source must be 'git' or 'go-git'")
	}
	for i, p := range c.Projects {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.projects[%d] is empty", i)
		}
	}
	for _, pattern := range c.ExcludeFiles {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("config.exclude_files has invalid pattern %q", pattern)
		}
	}
	if err := c.Window.validate(); err != nil {
		return err
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("config.llm.model is required")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("config.llm.base_url is required")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.llm.timeout_seconds must be positive")
	}
	if c.LLM.MaxTokens <= 0 || c.LLM.CommitMaxTokens <= 0 {
		return fmt.Errorf("config.llm max token budgets must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 || c.LLM.CommitTemperature < 0 || c.LLM.CommitTemperature > 2 {
		return fmt.Errorf("config.llm temperatures must be within [0, 2]")
	}
	if c.LLM.MaxFilesPerCommit < 0 {
		return fmt.Errorf("config.llm.max_files_per_commit must not be negative")
	}
	if err := c.Output.validate(); err != nil {
		return err
	}
	return c.Template.validate()
}

func (o OutputConfig) validate() error {
	if o.Dir == "" {
		return fmt.Errorf("config.output.dir is required")
	}
	if o.FileName == "" || o.Title == "" {
		return fmt.Errorf("config.output.file_name and config.output.title are required")
	}
	if _, err := template.New("file_name").Parse(o.FileName); err != nil {
		return fmt.Errorf("config.output.file_name: %w", err)
	}
	if _, err := template.New("title").Parse(o.Title); err != nil {
		return fmt.Errorf("config.output.title: %w", err)
	}
	return nil
}

func (w WindowConfig) validate() error {
	var since, until time.Time
	var err error
	if w.Since != "" {
		if since, err = time.Parse(domain.DateLayout, w.Since); err != nil {
			return fmt.Errorf("config.window.since must be YYYY-MM-DD: %w", err)
		}
	}
	if w.Until != "" {
		if until, err = time.Parse(domain.DateLayout, w.Until); err != nil {
			return fmt.Errorf("config.window.until must be YYYY-MM-DD: %w", err)
		}
	}
	if (w.Since == "") != (w.Until == "") {
		return fmt.Errorf("config.window.since and config.window.until must be set together")
	}
	if w.Since != "" && until.Before(since) {
		return fmt.Errorf("config.window.until %s is before since %s", w.Until, w.Since)
	}
	switch w.WeekStartsOn {
	case "monday", "sunday":
	default:
		return fmt.Errorf("config.window.week_starts_on must be 'monday' or 'sunday'")
	}
	if w.Workdays < 1 || w.Workdays > 7 {
		return fmt.Errorf("config.window.workdays must be between 1 and 7")
	}
	return nil
}

func (t TemplateConfig) validate() error {
	if t.Path == "" {
		return fmt.Errorf("config.template.path is required")
	}
	if t.TitleRow < 1 || t.TaskStartRow < 1 || t.ProblemStartRow < 1 {
		return fmt.Errorf("config.template rows must be 1-based")
	}
	if t.TitleRow >= t.TaskStartRow {
		return fmt.Errorf("config.template.title_row must precede task_start_row")
	}
	if t.TaskCapacity < 1 || t.ProblemCapacity < 1 {
		return fmt.Errorf("config.template capacities must be positive")
	}
	if t.TaskStartRow+t.TaskCapacity > t.ProblemStartRow {
		return fmt.Errorf("config.template task section (rows %d-%d) overlaps problem_start_row %d",
			t.TaskStartRow, t.TaskStartRow+t.TaskCapacity-1, t.ProblemStartRow)
	}
	if t.FontSize <= 0 {
		return fmt.Errorf("config.template.font_size must be positive")
	}
	if t.DetailColumn == "" {
		return fmt.Errorf("config.template.detail_column is required")
	}
	if t.TitleColumn == "" {
		return fmt.Errorf("config.template.title_column is required")
	}
	return nil
}

const defaultTemplate = `# Report owner, shown in the title and in every task row.
owner: "me"
collaborators: "none"

# Local git repositories to scan.
projects: []

# batch: one classification call per project, commits aggregated into tasks.
# per-commit: one call per commit, bug fixes become problem rows.
mode: batch

# git: shell out to the git binary. go-git: read repositories in-process.
source: git

# Changed files matching these globs are left out of classification prompts.
exclude_files:
  - "**/*.lock"
  - "**/package-lock.json"
  - "**/go.sum"

window:
  # Leave empty for the current week; set both to override.
  since: ""
  until: ""
  week_starts_on: monday
  workdays: 5

llm:
  base_url: https://api.deepseek.com/v1
  model: deepseek-chat
  api_key_env: DEEPSEEK_API_KEY
  timeout_seconds: 120
  temperature: 0.3
  max_tokens: 4000
  commit_temperature: 0.1
  commit_max_tokens: 200
  max_files_per_commit: 5

template:
  path: ./weekly-template.xlsx
  # The title goes into title_column at title_row.
  title_column: A
  title_row: 1
  task_start_row: 4
  task_capacity: 4
  problem_start_row: 12
  problem_capacity: 5
  detail_column: C
  font_size: 11

output:
  dir: output
  file_name: "{{.Owner}}_{{.Start \"0102\"}}-{{.End \"0102\"}}_weekly.xlsx"
  title: "{{.Owner}} {{.Start \"2006\"}} {{.Start \"01/02\"}}-{{.End \"01/02\"}} Weekly Report"
`
