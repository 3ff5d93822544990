package sessionstate

import "regexp"

// bashPhasePatterns implements spec.md §4.2 step 2: classify a Bash command
// string against a fixed regex table. Order matters — first match wins.
var bashPhasePatterns = []struct {
	phase string
	re    *regexp.Regexp
}{
	{"testing", regexp.MustCompile(`(?i)\b(go test|pytest|jest|npm test|rspec|ctest|mvn test)\b`)},
	{"deployment", regexp.MustCompile(`(?i)\b(kubectl apply|helm (upgrade|install)|terraform apply|docker push|git push.*--tags|deploy)\b`)},
	{"debugging", regexp.MustCompile(`(?i)\b(gdb|lldb|strace|tail -f.*log|journalctl)\b`)},
	{"exploration", regexp.MustCompile(`(?i)\b(ls|find|grep|cat|head|tail|tree)\b`)},
	{"implementation", regexp.MustCompile(`(?i)\b(go build|npm run build|make|cargo build|mkdir|touch)\b`)},
}

// toolPhaseMap implements spec.md §4.2 step 3: a fixed tool -> phase map
// used when the tool isn't Bash.
var toolPhaseMap = map[string]string{
	"Edit":      "implementation",
	"Write":     "implementation",
	"Read":      "exploration",
	"Grep":      "exploration",
	"Glob":      "exploration",
	"WebFetch":  "planning",
	"WebSearch": "planning",
	"Task":      "planning",
}

// classifyBashPhase returns the phase matching cmd, or "" if no pattern hits.
func classifyBashPhase(cmd string) string {
	for _, p := range bashPhasePatterns {
		if p.re.MatchString(cmd) {
			return p.phase
		}
	}
	return ""
}

// inferPhase implements the priority order of spec.md §4.2:
//  1. consecutive_failures >= 2 -> debugging (0.9)
//  2. Bash command regex table (0.7)
//  3. fixed tool -> phase map (0.6)
//  4. leave unchanged
func (s *State) inferPhase(tool, inputHint string) {
	if s.ConsecutiveFailures >= 2 {
		s.appendPhase("debugging", 0.9, s.UpdatedAt)
		return
	}
	if tool == "Bash" {
		if phase := classifyBashPhase(inputHint); phase != "" {
			s.appendPhase(phase, 0.7, s.UpdatedAt)
			return
		}
		return
	}
	if phase, ok := toolPhaseMap[tool]; ok {
		s.appendPhase(phase, 0.6, s.UpdatedAt)
	}
}
