// Package resolver maps an executable path to a software name/version using
// an ordered list of regexp rules plus an optional rewrite pass, adapted
// from original_source/sams/software/Regexp.py. Capture groups named in the
// match pattern (Go RE2 named groups, "(?P<name>...)") are available to the
// software/version/versionstr templates via Python-style "%(name)s"
// placeholders, mirroring the original's dict-based string formatting.
package resolver

import (
	"regexp"
	"strings"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

// Match is the resolved identity of one executable path.
type Match struct {
	Software     string
	Version      string
	VersionStr   string
	UserProvided bool
	Ignore       bool
}

type rule struct {
	match        *regexp.Regexp
	software     string
	version      string
	versionStr   string
	userProvided bool
	ignore       bool
}

type rewriteRule struct {
	matchSoftware   *regexp.Regexp
	matchVersion    *regexp.Regexp
	matchVersionStr *regexp.Regexp
	updateSoftware  string
	updateVersion   string
	updateVersionStr string
}

// Resolver holds an ordered rule set loaded from a sams.software.Regexp
// config block.
type Resolver struct {
	rules              []rule
	rewrites           []rewriteRule
	stopOnRewriteMatch bool
}

// Load builds a Resolver from the config sub-tree at path (typically
// "sams.software.Regexp").
func Load(cfg *config.Config, path string) *Resolver {
	sub := cfg.Sub(path)
	r := &Resolver{stopOnRewriteMatch: sub.GetBool("stop_on_rewrite_match", false)}

	for _, raw := range asSliceOfMaps(sub.Get("rules", nil)) {
		r.rules = append(r.rules, rule{
			match:        compileOrNil(stringField(raw, "match")),
			software:     stringField(raw, "software"),
			version:      stringField(raw, "version"),
			versionStr:   stringField(raw, "versionstr"),
			userProvided: boolField(raw, "user_provided"),
			ignore:       boolField(raw, "ignore"),
		})
	}

	for _, raw := range asSliceOfMaps(sub.Get("rewrite", nil)) {
		match, _ := raw["match"].(map[string]interface{})
		update, _ := raw["update"].(map[string]interface{})
		r.rewrites = append(r.rewrites, rewriteRule{
			matchSoftware:    compileOrNil(stringField(match, "software")),
			matchVersion:     compileOrNil(stringField(match, "version")),
			matchVersionStr:  compileOrNil(stringField(match, "versionstr")),
			updateSoftware:   stringField(update, "software"),
			updateVersion:    stringField(update, "version"),
			updateVersionStr: stringField(update, "versionstr"),
		})
	}

	return r
}

// Match runs path through the rule set in order and returns the first
// match, with rewrite rules applied on top, matching the original's
// Software.get().
func (r *Resolver) Match(path string) (*Match, bool) {
	for _, ru := range r.rules {
		if ru.match == nil {
			continue
		}
		names := ru.match.SubexpNames()
		groups := ru.match.FindStringSubmatch(path)
		if groups == nil {
			continue
		}
		vars := namedGroups(names, groups)

		m := &Match{
			Software:     expand(ru.software, vars),
			Version:      expand(ru.version, vars),
			VersionStr:   expand(ru.versionStr, vars),
			UserProvided: ru.userProvided,
			Ignore:       ru.ignore,
		}
		r.applyRewrites(m)
		return m, true
	}
	return nil, false
}

// Resolve is the convenience form used by live samplers, which only care
// about the resolved software name and whether this path should be
// excluded from reporting entirely.
func (r *Resolver) Resolve(path string) (software string, ignore bool) {
	m, ok := r.Match(path)
	if !ok {
		return path, false
	}
	return m.Software, m.Ignore
}

func (r *Resolver) applyRewrites(m *Match) {
	for _, rw := range r.rewrites {
		vars := map[string]string{}
		matched := false

		if rw.matchSoftware != nil {
			g := rw.matchSoftware.FindStringSubmatch(m.Software)
			if g == nil {
				continue
			}
			mergeNamed(vars, rw.matchSoftware.SubexpNames(), g)
			matched = true
		}
		if rw.matchVersion != nil {
			g := rw.matchVersion.FindStringSubmatch(m.Version)
			if g == nil {
				continue
			}
			mergeNamed(vars, rw.matchVersion.SubexpNames(), g)
			matched = true
		}
		if rw.matchVersionStr != nil {
			g := rw.matchVersionStr.FindStringSubmatch(m.VersionStr)
			if g == nil {
				continue
			}
			mergeNamed(vars, rw.matchVersionStr.SubexpNames(), g)
			matched = true
		}
		if !matched {
			continue
		}

		if rw.updateSoftware != "" {
			m.Software = expand(rw.updateSoftware, vars)
		}
		if rw.updateVersion != "" {
			m.Version = expand(rw.updateVersion, vars)
		}
		if rw.updateVersionStr != "" {
			m.VersionStr = expand(rw.updateVersionStr, vars)
		}

		if r.stopOnRewriteMatch {
			break
		}
	}
}

func namedGroups(names, groups []string) map[string]string {
	vars := make(map[string]string, len(names))
	mergeNamed(vars, names, groups)
	return vars
}

func mergeNamed(vars map[string]string, names, groups []string) {
	for i, name := range names {
		if name == "" || i >= len(groups) {
			continue
		}
		vars[name] = groups[i]
	}
}

// expand replaces Python-style "%(name)s" placeholders with vars[name].
func expand(tmpl string, vars map[string]string) string {
	if tmpl == "" {
		return ""
	}
	out := tmpl
	for name, val := range vars {
		out = strings.ReplaceAll(out, "%("+name+")s", val)
	}
	return out
}

func compileOrNil(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func asSliceOfMaps(v interface{}) []map[string]interface{} {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}
