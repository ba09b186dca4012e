// Package skills loads prompt templates from SKILL.md files and runs them
// through an agent backend.
package skills

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ArgumentsPlaceholder is substituted with the caller's arguments.
const ArgumentsPlaceholder = "$ARGUMENTS"

// maxSkillMDSize is the maximum allowed size for a SKILL.md file (1 MiB).
const maxSkillMDSize = 1 << 20

var ErrNotFound = errors.New("skill not found")

// Skill is one SKILL.md: frontmatter metadata plus the body as a prompt template.
type Skill struct {
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description" json:"description"`
	ArgumentHint string `yaml:"argument-hint" json:"argument_hint"`
	Template     string `yaml:"-" json:"-"`

	Source    string `yaml:"-" json:"-"`
	SourceDir string `yaml:"-" json:"-"`
}

// Render fills the template with args. When the template has no placeholder,
// non-empty args are appended on their own paragraph.
func (s Skill) Render(args string) string {
	args = strings.TrimSpace(args)
	if strings.Contains(s.Template, ArgumentsPlaceholder) {
		return strings.ReplaceAll(s.Template, ArgumentsPlaceholder, args)
	}
	if args == "" {
		return s.Template
	}
	return s.Template + "\n\n" + args
}

// ParseSkillMD parses a SKILL.md document. A missing name falls back to
// fallbackName, normally the skill's directory name.
func ParseSkillMD(data []byte, fallbackName string) (Skill, error) {
	front, body := splitFrontmatter(string(data))
	var s Skill
	if front != "" {
		if err := yaml.Unmarshal([]byte(front), &s); err != nil {
			return Skill{}, fmt.Errorf("parse frontmatter yaml: %w", err)
		}
	}
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		s.Name = strings.TrimSpace(fallbackName)
	}
	if s.Name == "" {
		return Skill{}, errors.New("missing skill name")
	}
	s.Description = strings.TrimSpace(s.Description)
	s.ArgumentHint = strings.TrimSpace(s.ArgumentHint)
	s.Template = strings.TrimSpace(body)
	if s.Template == "" {
		return Skill{}, fmt.Errorf("skill %q has an empty body", s.Name)
	}
	return s, nil
}

// splitFrontmatter separates a leading "---" delimited block from the body.
// Documents without a terminated block are all body.
func splitFrontmatter(s string) (front, body string) {
	s = strings.TrimPrefix(s, "\ufeff")
	first, rest, ok := strings.Cut(s, "\n")
	if !ok || strings.TrimSpace(first) != "---" {
		return "", s
	}
	offset := 0
	for offset <= len(rest) {
		line, _, found := strings.Cut(rest[offset:], "\n")
		next := offset + len(line) + 1
		if strings.TrimSpace(strings.TrimSuffix(line, "\r")) == "---" {
			if next > len(rest) {
				return rest[:offset], ""
			}
			return rest[:offset], rest[next:]
		}
		if !found {
			break
		}
		offset = next
	}
	return "", s
}
