package llmbackend

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/autocode/driver/internal/domain"
)

// These patterns are a best-effort scan of a backend's free-text report
// of what it did: the driver does not execute tools itself, it only
// parses the backend's own textual account of files/commands/tools it
// used.
var (
	filePattern    = regexp.MustCompile(`(?mi)^\s*(?:edited|wrote|created|modified|touched)\s+(?:file\s+)?` + "`?([\\w./\\-]+\\.[A-Za-z0-9]+)`?")
	commandPattern = regexp.MustCompile(`(?mi)^\s*(?:ran|running|executed|executing)\s*[:\-]?\s*` + "`([^`]+)`")
	toolPattern    = regexp.MustCompile(`(?mi)\buse(?:d|s)?\s+tool\s+` + "`?([\\w_\\-]+)`?")
	costPattern    = regexp.MustCompile(`(?i)cost(?:\s*estimate)?\s*[:=]\s*\$?([0-9]+(?:\.[0-9]+)?)`)
)

// ParseArtifacts extracts a best-effort ParsedArtifacts from raw
// backend response text. Absence of any match never fails the caller.
func ParseArtifacts(text string) domain.ParsedArtifacts {
	var out domain.ParsedArtifacts

	for _, m := range filePattern.FindAllStringSubmatch(text, -1) {
		out.FilesTouched = append(out.FilesTouched, m[1])
	}
	for _, m := range commandPattern.FindAllStringSubmatch(text, -1) {
		out.CommandsRun = append(out.CommandsRun, strings.TrimSpace(m[1]))
	}
	for _, m := range toolPattern.FindAllStringSubmatch(text, -1) {
		out.ToolsInvoked = append(out.ToolsInvoked, m[1])
	}
	if m := costPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			out.CostEstimate = &v
		}
	}

	out.FilesTouched = dedupe(out.FilesTouched)
	out.CommandsRun = dedupe(out.CommandsRun)
	out.ToolsInvoked = dedupe(out.ToolsInvoked)

	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
