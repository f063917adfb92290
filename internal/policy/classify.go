package policy

import "strings"

// allowFailureMarker is the text GitLab-derived status descriptions carry
// when the job is declared `allow_failure: true` in .gitlab-ci.yml.
const allowFailureMarker = "allow_failure: true"

// RawCheck is one status or check-run entry before classification, as
// reported by the GitHub client.
type RawCheck struct {
	Context     string
	State       string
	Description string
	TargetURL   string
}

// Classify derives each check's Category by cross-referencing the
// branch-protection required-status-check contexts and the
// "allow_failure: true" marker in GitLab-derived descriptions (3. Status
// category).
func Classify(raw []RawCheck, requiredContexts []string) []Check {
	required := make(map[string]bool, len(requiredContexts))
	for _, c := range requiredContexts {
		required[c] = true
	}

	result := make([]Check, 0, len(raw))
	for _, r := range raw {
		result = append(result, Check{
			Context:   r.Context,
			State:     CheckState(normalizeState(r.State)),
			Category:  categoryFor(r.Context, r.Description, required),
			TargetURL: r.TargetURL,
		})
	}

	return result
}

func categoryFor(context, description string, required map[string]bool) Category {
	if required[context] {
		return Required
	}

	if strings.Contains(description, allowFailureMarker) {
		return Fallible
	}

	return Important
}

func normalizeState(raw string) string {
	switch strings.ToLower(raw) {
	case "success":
		return string(CheckSuccess)
	case "failure":
		return string(CheckFailure)
	case "error":
		return string(CheckError)
	default:
		return string(CheckPending)
	}
}
