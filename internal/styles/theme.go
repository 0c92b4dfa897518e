package styles

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultTheme is used when the configured theme does not exist.
const DefaultTheme = "nebula"

// Theme defines a complete color scheme for the application
type Theme struct {
	Name string `yaml:"name"`
	Dark bool   `yaml:"dark"`

	// Core colors
	Primary   lipgloss.Color `yaml:"primary"`
	Secondary lipgloss.Color `yaml:"secondary"`
	Accent    lipgloss.Color `yaml:"accent"`

	// Background colors
	Background lipgloss.Color `yaml:"background"`
	Surface    lipgloss.Color `yaml:"surface"`
	Panel      lipgloss.Color `yaml:"panel"`

	// Text colors
	Text      lipgloss.Color `yaml:"text"`
	TextMuted lipgloss.Color `yaml:"text_muted"`

	// Semantic colors
	Success lipgloss.Color `yaml:"success"`
	Warning lipgloss.Color `yaml:"warning"`
	Error   lipgloss.Color `yaml:"error"`
}

var builtinThemes = map[string]Theme{
	"nebula": {
		Name:       "nebula",
		Dark:       true,
		Primary:    "#B39DDB", // Lavender
		Secondary:  "#90CAF9", // Sky
		Accent:     "#F472B6", // Pink 400
		Background: "#0B0B0F",
		Surface:    "#141419",
		Panel:      "#5C5C7A",
		Text:       "#E0E0E0",
		TextMuted:  "#545454",
		Success:    "#A5D6A7",
		Warning:    "#FFF59D",
		Error:      "#EF9A9A",
	},
	"galaxy": {
		Name:       "galaxy",
		Dark:       true,
		Primary:    "#818CF8", // Indigo 400
		Secondary:  "#22D3EE", // Cyan 400
		Accent:     "#F472B6",
		Background: "#0B0B0F",
		Surface:    "#1E1E2A",
		Panel:      "#27272A",
		Text:       "#F1F5F9",
		TextMuted:  "#64748B",
		Success:    "#34D399",
		Warning:    "#FBBF24",
		Error:      "#FB7185",
	},
	"hacker": {
		Name:       "hacker",
		Dark:       true,
		Primary:    "#00FF66",
		Secondary:  "#3BFF9D",
		Accent:     "#CCFF00",
		Background: "#000000",
		Surface:    "#0A140A",
		Panel:      "#123312",
		Text:       "#C8FFC8",
		TextMuted:  "#3A6B3A",
		Success:    "#00FF66",
		Warning:    "#FFD500",
		Error:      "#FF3355",
	},
	"daylight": {
		Name:       "daylight",
		Primary:    "#4F46E5", // Indigo 600
		Secondary:  "#0891B2", // Cyan 600
		Accent:     "#DB2777", // Pink 600
		Background: "#FAFAFA",
		Surface:    "#FFFFFF",
		Panel:      "#E4E4E7",
		Text:       "#18181B",
		TextMuted:  "#A1A1AA",
		Success:    "#10B981",
		Warning:    "#F59E0B",
		Error:      "#EF4444",
	},
}

// CurrentTheme holds the active theme
var CurrentTheme = builtinThemes[DefaultTheme]

// Themes returns the builtin themes merged with the ones in dir, keyed by name.
func Themes(dir string) (map[string]Theme, error) {
	out := make(map[string]Theme, len(builtinThemes))
	for name, t := range builtinThemes {
		out[name] = t
	}
	if dir == "" {
		return out, nil
	}
	user, err := LoadThemes(dir)
	for name, t := range user {
		out[name] = t
	}
	return out, err
}

// ThemeNames lists the available theme names in sorted order.
func ThemeNames(themes map[string]Theme) []string {
	names := make([]string, 0, len(themes))
	for name := range themes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadThemes reads every .yaml or .yml file in dir. A missing directory is
// not an error. Colors a file leaves out are taken from the default theme.
func LoadThemes(dir string) (map[string]Theme, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading theme directory")
	}

	themes := map[string]Theme{}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return themes, errors.Wrapf(err, "reading %s", path)
		}
		t := builtinThemes[DefaultTheme]
		t.Name = ""
		t.Dark = true
		if err := yaml.Unmarshal(data, &t); err != nil {
			return themes, errors.Wrapf(err, "parsing %s", path)
		}
		if t.Name == "" {
			return themes, errors.Errorf("theme file %s has no name", path)
		}
		themes[t.Name] = t
	}
	return themes, nil
}

// ProviderColors returns the color for each AI provider
var ProviderColors = map[string]lipgloss.Color{
	"OpenAI":     "#A5D6A7",
	"Anthropic":  "#FFCC80",
	"Google":     "#CE93D8",
	"OpenRouter": "#81D4FA",
	"Ollama":     "#80CBC4",
}

// ProviderColor returns the color for a provider
func ProviderColor(provider string) lipgloss.Color {
	if c, ok := ProviderColors[provider]; ok {
		return c
	}
	return CurrentTheme.TextMuted
}
