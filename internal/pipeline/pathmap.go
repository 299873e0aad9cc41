package pipeline

import (
	"fmt"
	"strings"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

// PathRule is one parsed FROM:TO file-path rewrite.
type PathRule struct {
	From string
	To   string
}

// ParsePathRules parses "FROM:TO" rules. Windows drive letters may also
// contain a colon ("C:\\share:/mnt/share" has three segments), so segments
// that look like a bare drive letter are glued back to the following one.
func ParsePathRules(rules []string) ([]PathRule, error) {
	out := make([]PathRule, 0, len(rules))
	for _, rule := range rules {
		parts := joinDriveSegments(strings.Split(rule, ":"))
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed path mapping %q, want FROM:TO", rule)
		}
		out = append(out, PathRule{From: parts[0], To: parts[1]})
	}
	return out, nil
}

// joinDriveSegments rejoins split segments where a colon belonged to a
// Windows drive letter: a single-letter segment followed by one starting
// with a path separator.
func joinDriveSegments(parts []string) []string {
	out := make([]string, 0, len(parts))
	for i := 0; i < len(parts); i++ {
		p := parts[i]
		if len(p) == 1 && isDriveLetter(p[0]) && i+1 < len(parts) &&
			(strings.HasPrefix(parts[i+1], "\\") || strings.HasPrefix(parts[i+1], "/")) {
			out = append(out, p+":"+parts[i+1])
			i++
			continue
		}
		out = append(out, p)
	}
	return out
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// Apply rewrites a path under the first matching rule. The remainder's
// separators are normalized to the target style.
func ApplyPathRules(rules []PathRule, path string) string {
	for _, r := range rules {
		if !strings.HasPrefix(path, r.From) {
			continue
		}
		rest := path[len(r.From):]
		if strings.Contains(r.To, "\\") {
			rest = strings.ReplaceAll(rest, "/", "\\")
		} else {
			rest = strings.ReplaceAll(rest, "\\", "/")
		}
		return r.To + rest
	}
	return path
}

// platformPathRules parses the configured path mappings of every platform
// section into ready-to-apply rule sets keyed by platform name.
func platformPathRules(cfg *config.Config) (map[string][]PathRule, error) {
	out := make(map[string][]PathRule)
	for _, platform := range []string{"telegram", "discord", "webchat", "webhook"} {
		raw := cfg.Platforms.PathMappingsFor(platform)
		if len(raw) == 0 {
			continue
		}
		rules, err := ParsePathRules(raw)
		if err != nil {
			return nil, fmt.Errorf("platforms.%s.path_mappings: %w", platform, err)
		}
		out[platform] = rules
	}
	return out, nil
}

// mapChainPaths rewrites local file references on every path-bearing
// component of the chain, in place.
func mapChainPaths(rules []PathRule, chain *models.MessageChain) {
	if len(rules) == 0 || chain == nil {
		return
	}
	for i, comp := range chain.Components {
		switch v := comp.(type) {
		case models.Image:
			if v.Path != "" {
				v.Path = ApplyPathRules(rules, v.Path)
				chain.Components[i] = v
			}
		case models.Record:
			if v.Path != "" {
				v.Path = ApplyPathRules(rules, v.Path)
				chain.Components[i] = v
			}
		case models.Video:
			if v.Path != "" {
				v.Path = ApplyPathRules(rules, v.Path)
				chain.Components[i] = v
			}
		case models.File:
			if v.Path != "" {
				v.Path = ApplyPathRules(rules, v.Path)
				chain.Components[i] = v
			}
		}
	}
}
