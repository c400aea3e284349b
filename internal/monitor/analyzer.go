package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScriptAnalyzer flags risky constructs in command scripts and sensitive
// material in captured output. Findings are advisory: they are logged,
// counted and returned to the caller, never used to reject a command.
type ScriptAnalyzer struct {
	patterns []ScriptPattern
}

// ScriptPattern defines a risky pattern to match.
type ScriptPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding represents a matched pattern.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewScriptAnalyzer creates an analyzer with default patterns.
func NewScriptAnalyzer() *ScriptAnalyzer {
	return &ScriptAnalyzer{
		patterns: defaultPatterns(),
	}
}

// AnalyzeScript checks a script line by line.
func (a *ScriptAnalyzer) AnalyzeScript(script string) []Finding {
	var findings []Finding

	lines := strings.Split(script, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, p := range a.patterns {
			if p.Regex.MatchString(line) {
				findings = append(findings, Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("risky construct in command script")
			}
		}
	}

	return findings
}

// AnalyzeOutput checks captured output for leaked secrets.
func (a *ScriptAnalyzer) AnalyzeOutput(output string) []Finding {
	var findings []Finding

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"passwd_dump", "root:x:0:0", SeverityHigh},
		{"shadow_dump", "root:$", SeverityCritical},
		{"private_key", "PRIVATE KEY-----", SeverityCritical},
		{"aws_access_key", "AKIA", SeverityMedium},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			findings = append(findings, Finding{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "sensitive content in output: " + p.name,
			})
		}
	}

	return findings
}

func defaultPatterns() []ScriptPattern {
	return []ScriptPattern{
		{
			Name:        "recursive_root_delete",
			Description: "Recursive delete rooted at /",
			Regex:       regexp.MustCompile(`rm\s+(-[a-zA-Z]*[rR][a-zA-Z]*\s+)+(--no-preserve-root\s+)?/(\s|\*|$)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "filesystem_format",
			Description: "Formats a block device",
			Regex:       regexp.MustCompile(`\bmkfs(\.\w+)?\s|\bwipefs\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "raw_device_write",
			Description: "Writes directly to a block device",
			Regex:       regexp.MustCompile(`\bdd\b.*\bof=/dev/(sd|nvme|hd|vd|xvd)|>\s*/dev/(sd|nvme|hd|vd|xvd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "fork_bomb",
			Description: "Shell fork bomb",
			Regex:       regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "pipe_to_shell",
			Description: "Downloads and executes remote code",
			Regex:       regexp.MustCompile(`(?i)(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z)?sh\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Reaches the cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "host_power",
			Description: "Shuts down or reboots the node",
			Regex:       regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff|halt)\b|init\s+[06]\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "credential_file",
			Description: "Touches system credential files",
			Regex:       regexp.MustCompile(`/etc/(shadow|sudoers)|>\s*/etc/passwd`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "world_writable_root",
			Description: "Makes system paths world writable",
			Regex:       regexp.MustCompile(`chmod\s+(-R\s+)?0?777\s+/(\s|$|etc|usr|var|bin)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
