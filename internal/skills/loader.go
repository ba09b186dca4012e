package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Source names where a skill was found.
const (
	SourceProject = "project"
	SourceUser    = "user"
	SourceExtra   = "extra"
)

// Dir is a directory of <name>/SKILL.md skills.
type Dir struct {
	Path   string
	Source string
}

// DefaultDirs returns the scan order: ./skills, then <home>/skills, then any
// configured extras. Earlier directories win name collisions.
func DefaultDirs(home string, extra []string) []Dir {
	dirs := []Dir{
		{Path: "skills", Source: SourceProject},
		{Path: filepath.Join(home, "skills"), Source: SourceUser},
	}
	for _, d := range extra {
		if strings.TrimSpace(d) != "" {
			dirs = append(dirs, Dir{Path: d, Source: SourceExtra})
		}
	}
	return dirs
}

// CanonicalSkillKey returns a normalized key used for lookup and collision detection.
func CanonicalSkillKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Loader keeps the current set of skills in memory.
type Loader struct {
	dirs   []Dir
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]Skill
}

func NewLoader(dirs []Dir, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dirs:   dirs,
		logger: logger.With("component", "skills"),
		skills: make(map[string]Skill),
	}
}

// Paths returns the scanned directories.
func (l *Loader) Paths() []string {
	out := make([]string, 0, len(l.dirs))
	for _, d := range l.dirs {
		out = append(out, d.Path)
	}
	return out
}

// Reload rescans every directory and swaps in the result. Broken skills are
// skipped and reported in the joined error; the rest still load.
func (l *Loader) Reload(ctx context.Context) error {
	loaded := make(map[string]Skill)
	var errs []error

	for _, dir := range l.dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		base, err := filepath.Abs(dir.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("abs skills dir (%s): %w", dir.Path, err))
			continue
		}
		entries, err := os.ReadDir(base)
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("read skills dir (%s): %w", base, err))
			}
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, ent := range entries {
			if !ent.IsDir() {
				if ent.Type()&os.ModeSymlink != 0 {
					l.logger.Warn("skill directory is a symlink; symlinks are not followed", "name", ent.Name(), "dir", base)
				}
				continue
			}
			s, err := loadOne(filepath.Join(base, ent.Name()), ent.Name(), dir.Source)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					errs = append(errs, fmt.Errorf("load skill (%s): %w", ent.Name(), err))
				}
				continue
			}
			key := CanonicalSkillKey(s.Name)
			if winner, ok := loaded[key]; ok {
				l.logger.Info("skill collision: skipping lower-priority duplicate",
					"skill", s.Name, "winner_source", winner.Source, "skipped_source", dir.Source)
				continue
			}
			loaded[key] = s
		}
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	l.logger.Debug("skills reloaded", "count", len(loaded))
	return errors.Join(errs...)
}

func loadOne(dir, dirName, source string) (Skill, error) {
	path := filepath.Join(dir, "SKILL.md")
	fi, err := os.Stat(path)
	if err != nil {
		return Skill{}, err
	}
	if fi.Size() > maxSkillMDSize {
		return Skill{}, fmt.Errorf("SKILL.md too large: %d bytes (max %d)", fi.Size(), maxSkillMDSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("read SKILL.md: %w", err)
	}
	s, err := ParseSkillMD(data, dirName)
	if err != nil {
		return Skill{}, err
	}
	s.Source = source
	s.SourceDir = dir
	return s, nil
}

// List returns the loaded skills sorted by name.
func (l *Loader) List() []Skill {
	l.mu.RLock()
	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return CanonicalSkillKey(out[i].Name) < CanonicalSkillKey(out[j].Name) })
	return out
}

// Get looks a skill up by name, case-insensitively.
func (l *Loader) Get(name string) (Skill, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[CanonicalSkillKey(name)]
	if !ok {
		return Skill{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, nil
}
