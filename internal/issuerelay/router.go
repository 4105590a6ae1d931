package issuerelay

import "strings"

type routeRule int

const (
	routeNone routeRule = iota
	routeTeamKey
	routeDerivedKey
	routeWorkspace
)

// ResolveRepository maps an inbound event to the repository configuration
// that owns it, or nil when none does. Matching runs in strict priority
// order: explicit team key, team key derived from the issue identifier,
// then workspace fallback. Ties within a rule go to the first-listed
// configuration. The function is pure and safe for concurrent use.
func ResolveRepository(event InboundEvent, configs []RepositoryConfig) *RepositoryConfig {
	cfg, _ := resolveRepository(event, configs)
	return cfg
}

func resolveRepository(event InboundEvent, configs []RepositoryConfig) (*RepositoryConfig, routeRule) {
	if event.Session == nil {
		return nil, routeNone
	}
	issue := event.Session.Issue

	if key := strings.TrimSpace(issue.TeamKey); key != "" {
		if cfg := matchTeamKey(key, configs); cfg != nil {
			return cfg, routeTeamKey
		}
	} else if key := teamKeyFromIdentifier(issue.Identifier); key != "" {
		if cfg := matchTeamKey(key, configs); cfg != nil {
			return cfg, routeDerivedKey
		}
	}

	workspaceID := strings.TrimSpace(event.WorkspaceID)
	if workspaceID == "" {
		return nil, routeNone
	}
	for i := range configs {
		if configs[i].WorkspaceID == workspaceID {
			return &configs[i], routeWorkspace
		}
	}
	return nil, routeNone
}

func matchTeamKey(key string, configs []RepositoryConfig) *RepositoryConfig {
	for i := range configs {
		for _, candidate := range configs[i].TeamKeys {
			if strings.EqualFold(candidate, key) {
				return &configs[i]
			}
		}
	}
	return nil
}

// teamKeyFromIdentifier extracts the <TEAM> prefix from a <TEAM>-<NUMBER>
// issue identifier. Malformed identifiers yield "" rather than an error:
// no hyphen, empty or non-alphabetic prefix, or a non-numeric suffix.
func teamKeyFromIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	idx := strings.LastIndex(identifier, "-")
	if idx <= 0 || idx == len(identifier)-1 {
		return ""
	}
	prefix := identifier[:idx]
	number := identifier[idx+1:]
	for _, r := range number {
		if r < '0' || r > '9' {
			return ""
		}
	}
	first := prefix[0]
	if !isLetter(first) {
		return ""
	}
	for i := 0; i < len(prefix); i++ {
		if !isLetter(prefix[i]) && (prefix[i] < '0' || prefix[i] > '9') {
			return ""
		}
	}
	return prefix
}

func isLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
