package router

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/DatanoiseTV/tabitha/internal/store"
)

// defaultAliases maps app names people say to the domain that serves them.
var defaultAliases = map[string]string{
	"zoom":            "zoom.us",
	"youtube":         "youtube.com",
	"yt":              "youtube.com",
	"google doc":      "docs.google.com",
	"google docs":     "docs.google.com",
	"gdoc":            "docs.google.com",
	"gdocs":           "docs.google.com",
	"google sheet":    "docs.google.com",
	"google sheets":   "docs.google.com",
	"google slides":   "docs.google.com",
	"google drive":    "drive.google.com",
	"gmail":           "mail.google.com",
	"google mail":     "mail.google.com",
	"google calendar": "calendar.google.com",
	"google meet":     "meet.google.com",
	"meet":            "meet.google.com",
	"notion":          "notion.so",
	"slack":           "app.slack.com",
	"github":          "github.com",
	"gitlab":          "gitlab.com",
	"figma":           "figma.com",
	"spotify":         "open.spotify.com",
	"netflix":         "netflix.com",
	"twitter":         "x.com",
	"reddit":          "reddit.com",
	"linkedin":        "linkedin.com",
	"jira":            "atlassian.net",
	"confluence":      "atlassian.net",
	"teams":           "teams.microsoft.com",
	"outlook":         "outlook.office.com",
	"chatgpt":         "chatgpt.com",
	"amazon":          "amazon.com",
	"wikipedia":       "wikipedia.org",
	"stackoverflow":   "stackoverflow.com",
	"stack overflow":  "stackoverflow.com",
}

// SlotStore persists the override rule set.
type SlotStore interface {
	GetSlot(name string, out any) error
	PutSlot(name string, v any) error
}

// aliasFile is the layout of domains.yaml.
type aliasFile struct {
	Aliases map[string]string `yaml:"aliases"`
}

// Aliases resolves app names to domains.
type Aliases struct {
	mu      sync.RWMutex
	m       map[string]string
	ordered []string
}

// NewAliases returns the built-in rule set merged with extra.
func NewAliases(extra map[string]string) *Aliases {
	a := &Aliases{m: make(map[string]string, len(defaultAliases)+len(extra))}
	for k, v := range defaultAliases {
		a.m[k] = v
	}
	a.merge(extra)
	return a
}

// LoadAliases builds the rule set from the built-ins, the overrides
// persisted in the store, and the user's YAML file at path. File entries
// win and are written back to the store. A missing file is not an error.
func LoadAliases(path string, s SlotStore, logger *zap.Logger) (*Aliases, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := NewAliases(nil)

	persisted := map[string]string{}
	if s != nil {
		if err := s.GetSlot(store.SlotDomainOverrides, &persisted); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("failed to read domain overrides", zap.Error(err))
		}
		a.merge(persisted)
	}

	if path == "" {
		return a, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return a, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return a, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	a.merge(f.Aliases)
	for k, v := range f.Aliases {
		persisted[normalizeAlias(k)] = normalizeDomain(v)
	}
	if s != nil && len(f.Aliases) > 0 {
		if err := s.PutSlot(store.SlotDomainOverrides, persisted); err != nil {
			logger.Warn("failed to persist domain overrides", zap.Error(err))
		}
	}
	logger.Debug("loaded domain aliases", zap.String("path", path), zap.Int("overrides", len(f.Aliases)))
	return a, nil
}

func (a *Aliases) merge(extra map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range extra {
		k, v = normalizeAlias(k), normalizeDomain(v)
		if k == "" || v == "" {
			continue
		}
		a.m[k] = v
	}
	a.ordered = a.ordered[:0]
	for k := range a.m {
		a.ordered = append(a.ordered, k)
	}
	// longest phrase first so "google docs" beats "docs"
	sort.Slice(a.ordered, func(i, j int) bool {
		if len(a.ordered[i]) != len(a.ordered[j]) {
			return len(a.ordered[i]) > len(a.ordered[j])
		}
		return a.ordered[i] < a.ordered[j]
	})
}

func normalizeAlias(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func normalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Resolve maps an app name or domain to a domain. Unknown names are
// returned normalized.
func (a *Aliases) Resolve(app string) string {
	key := normalizeAlias(app)
	a.mu.RLock()
	d, ok := a.m[key]
	if !ok {
		d, ok = a.m[strings.TrimSuffix(key, "s")]
	}
	a.mu.RUnlock()
	if ok {
		return d
	}
	return normalizeDomain(app)
}

// Find returns the domains of every alias phrase and literal domain in a
// canonical query, in order of first appearance, plus the query with those
// phrases removed.
func (a *Aliases) Find(query string) ([]string, string) {
	words := strings.Fields(query)
	used := make([]bool, len(words))
	type hit struct {
		pos    int
		domain string
	}
	var hits []hit

	a.mu.RLock()
	for _, alias := range a.ordered {
		phrase := strings.Fields(alias)
		for i := 0; i+len(phrase) <= len(words); i++ {
			if !matchPhrase(words[i:i+len(phrase)], phrase) || anyUsed(used[i:i+len(phrase)]) {
				continue
			}
			for j := i; j < i+len(phrase); j++ {
				used[j] = true
			}
			hits = append(hits, hit{i, a.m[alias]})
		}
	}
	a.mu.RUnlock()

	for i, w := range words {
		if !used[i] && looksLikeDomain(w) {
			used[i] = true
			hits = append(hits, hit{i, normalizeDomain(w)})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	var domains []string
	seen := map[string]bool{}
	for _, h := range hits {
		if !seen[h.domain] {
			seen[h.domain] = true
			domains = append(domains, h.domain)
		}
	}
	var rest []string
	for i, w := range words {
		if !used[i] {
			rest = append(rest, w)
		}
	}
	return domains, strings.Join(rest, " ")
}

func matchPhrase(words, phrase []string) bool {
	for i := range phrase {
		w := words[i]
		if w != phrase[i] && strings.TrimSuffix(w, "s") != phrase[i] {
			return false
		}
	}
	return true
}

func anyUsed(flags []bool) bool {
	for _, f := range flags {
		if f {
			return true
		}
	}
	return false
}

func looksLikeDomain(w string) bool {
	i := strings.LastIndexByte(w, '.')
	if i <= 0 || i == len(w)-1 {
		return false
	}
	tld := w[i+1:]
	if len(tld) < 2 || len(tld) > 6 {
		return false
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
