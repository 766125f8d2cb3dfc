// Package openclaw imports OpenClaw SKILL.md files into the kernel's tool
// surface. A skill is markdown with YAML frontmatter; instruction skills
// expose one tool, command-dispatch skills one tool per declared command.
package openclaw

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillCommand is one declared command of a command-dispatch skill.
type SkillCommand struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// SkillDependencies lists what a skill needs from the host.
type SkillDependencies struct {
	Bins []string `yaml:"bins" json:"bins,omitempty"`
	Env  []string `yaml:"env" json:"env,omitempty"`
	OS   []string `yaml:"os" json:"os,omitempty"`
}

// Skill is one parsed SKILL.md.
type Skill struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Commands     []SkillCommand    `json:"commands,omitempty"`
	Dependencies SkillDependencies `json:"dependencies"`
	Keywords     map[string]any    `json:"keywords,omitempty"`
	Instructions string            `json:"instructions"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// frontmatter is the raw YAML header shape. Unknown keys land in Keywords.
type frontmatter struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Commands     []SkillCommand    `yaml:"commands"`
	Dependencies SkillDependencies `yaml:"dependencies"`
}

// ParseSkill parses SKILL.md content. The name field is mandatory.
func ParseSkill(content string) (*Skill, error) {
	header, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if strings.TrimSpace(fm.Name) == "" {
		return nil, fmt.Errorf("skill missing required name field")
	}

	// Keep any extra frontmatter keys as keywords.
	var raw map[string]any
	_ = yaml.Unmarshal([]byte(header), &raw)
	for _, known := range []string{"name", "description", "commands", "dependencies"} {
		delete(raw, known)
	}
	if len(raw) == 0 {
		raw = nil
	}

	return &Skill{
		Name:         fm.Name,
		Description:  fm.Description,
		Commands:     fm.Commands,
		Dependencies: fm.Dependencies,
		Keywords:     raw,
		Instructions: strings.TrimSpace(body),
	}, nil
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(content string) (header, body string, err error) {
	trimmed := strings.TrimLeft(content, "\ufeff\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("missing frontmatter")
	}
	rest := strings.TrimPrefix(trimmed, "---")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}
	header = rest[:end]
	body = rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return header, body, nil
}

// ValidateDependencies checks bins, env vars and OS against the host. A
// missing bin or unset env var clears met; an OS mismatch only warns.
func (s *Skill) ValidateDependencies() (met bool) {
	met = true
	for _, bin := range s.Dependencies.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			s.Warnings = append(s.Warnings, fmt.Sprintf("required binary not found: %s", bin))
			met = false
		}
	}
	for _, env := range s.Dependencies.Env {
		if os.Getenv(env) == "" {
			s.Warnings = append(s.Warnings, fmt.Sprintf("required environment variable not set: %s", env))
			met = false
		}
	}
	if len(s.Dependencies.OS) > 0 {
		match := false
		for _, o := range s.Dependencies.OS {
			if strings.EqualFold(o, runtime.GOOS) {
				match = true
				break
			}
		}
		if !match {
			s.Warnings = append(s.Warnings, fmt.Sprintf(
				"skill targets %s, running on %s", strings.Join(s.Dependencies.OS, "/"), runtime.GOOS))
		}
	}
	return met
}
