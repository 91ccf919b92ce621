package lang

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

// Placeholders expanded in compile and run commands.
const (
	FilePlaceholder = "{file}"
	NamePlaceholder = "{name}"
)

// Profile defines how one language is compiled and run inside its runtime image.
type Profile struct {
	ID             string
	Image          string
	CompileCommand []string
	RunCommand     []string
	FileExtension  string
	Timeout        time.Duration

	// EntryName derives the base file name from the source. Nil means DefaultName.
	EntryName   func(code string) string
	DefaultName string
}

// HasCompileStep reports whether the language needs a separate compile command.
func (p Profile) HasCompileStep() bool {
	return len(p.CompileCommand) > 0
}

// FileName returns the file the source must be written to, e.g. "Main.java".
func (p Profile) FileName(code string) string {
	name := p.DefaultName
	if p.EntryName != nil {
		if n := p.EntryName(code); n != "" {
			name = n
		}
	}
	return name + p.FileExtension
}

// ShellCommand joins compile and run into a single shell line for the given file name.
func (p Profile) ShellCommand(fileName string) string {
	name := strings.TrimSuffix(fileName, p.FileExtension)
	run := expand(p.RunCommand, fileName, name)
	if !p.HasCompileStep() {
		return run
	}
	return expand(p.CompileCommand, fileName, name) + " && " + run
}

func expand(cmd []string, file, name string) string {
	r := strings.NewReplacer(FilePlaceholder, shellQuote(file), NamePlaceholder, shellQuote(name))
	parts := make([]string, len(cmd))
	for i, c := range cmd {
		parts[i] = r.Replace(c)
	}
	return strings.Join(parts, " ")
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)

// shellQuote single-quotes s unless it is made of characters sh leaves alone.
func shellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var javaClassPattern = regexp.MustCompile(`public\s+(?:(?:final|abstract|static)\s+)*class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)

// JavaClassName extracts the public class name, which javac requires to match the file name.
func JavaClassName(code string) string {
	m := javaClassPattern.FindStringSubmatch(code)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

var defaultProfiles = []Profile{
	{
		ID:            "python",
		Image:         "python:3.11-slim",
		RunCommand:    []string{"python3", "-u", FilePlaceholder},
		FileExtension: ".py",
		Timeout:       10 * time.Second,
		DefaultName:   "main",
	},
	{
		ID:            "javascript",
		Image:         "node:20-slim",
		RunCommand:    []string{"node", FilePlaceholder},
		FileExtension: ".js",
		Timeout:       10 * time.Second,
		DefaultName:   "main",
	},
	{
		ID:             "java",
		Image:          "eclipse-temurin:17-jdk",
		CompileCommand: []string{"javac", FilePlaceholder},
		RunCommand:     []string{"java", "-Xmx128m", NamePlaceholder},
		FileExtension:  ".java",
		Timeout:        15 * time.Second,
		EntryName:      JavaClassName,
		DefaultName:    "Main",
	},
	{
		ID:             "cpp",
		Image:          "gcc:13",
		CompileCommand: []string{"g++", "-O2", "-o", NamePlaceholder, FilePlaceholder},
		RunCommand:     []string{"./" + NamePlaceholder},
		FileExtension:  ".cpp",
		Timeout:        15 * time.Second,
		DefaultName:    "main",
	},
	{
		ID:             "c",
		Image:          "gcc:13",
		CompileCommand: []string{"gcc", "-O2", "-o", NamePlaceholder, FilePlaceholder},
		RunCommand:     []string{"./" + NamePlaceholder},
		FileExtension:  ".c",
		Timeout:        15 * time.Second,
		DefaultName:    "main",
	},
	{
		ID:             "go",
		Image:          "golang:1.22-alpine",
		CompileCommand: []string{"GOCACHE=/tmp/gocache", "go", "build", "-o", NamePlaceholder, FilePlaceholder},
		RunCommand:     []string{"./" + NamePlaceholder},
		FileExtension:  ".go",
		Timeout:        15 * time.Second,
		DefaultName:    "main",
	},
}

// Registry is the immutable table of supported languages.
type Registry struct {
	profiles map[string]Profile
	ids      []string
}

// NewRegistry builds a registry from profiles. With no arguments the built-in table is used.
func NewRegistry(profiles ...Profile) *Registry {
	if len(profiles) == 0 {
		profiles = defaultProfiles
	}
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if p.DefaultName == "" {
			p.DefaultName = "main"
		}
		r.profiles[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}
	sort.Strings(r.ids)
	return r
}

// Get returns the profile for a language id.
func (r *Registry) Get(id string) (Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, id)
	}
	return p, nil
}

// Supported reports whether id is a known language.
func (r *Registry) Supported(id string) bool {
	_, ok := r.profiles[id]
	return ok
}

// IDs returns the sorted language ids.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Images returns the distinct runtime images across all languages.
func (r *Registry) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, id := range r.ids {
		img := r.profiles[id].Image
		if !seen[img] {
			seen[img] = true
			images = append(images, img)
		}
	}
	return images
}
