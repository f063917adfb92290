package gitworker

import (
	"fmt"
	"os"
	"regexp"
)

// rewriteManifestReferences updates each dependency table in the Cargo.toml
// at path so its `rev` field (if present) points at the matching update's
// Reference. Dependencies pinned by branch name only are left untouched:
// per the project's dependency-update policy, a branch-pinned dependency
// tracks its branch automatically and does not need a manifest edit, only
// the lockfile refresh performed by the caller's CI.
func rewriteManifestReferences(path string, updates []DependencyUpdate) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest failed: %w", err)
	}

	content := string(raw)

	for _, u := range updates {
		re := regexp.MustCompile(fmt.Sprintf(
			`(?s)(\[dependencies\.%s\][^\[]*?rev\s*=\s*")[^"]*(")`,
			regexp.QuoteMeta(u.Dependency),
		))

		if !re.MatchString(content) {
			continue
		}

		content = re.ReplaceAllString(content, "${1}"+u.Reference+"${2}")
	}

	return os.WriteFile(path, []byte(content), 0o644)
}
