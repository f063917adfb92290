// Package cfg loads the process-wide configuration from the environment.
//
// The companion merge orchestrator is deployed as a single binary
// configured entirely through environment variables.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the immutable, process-wide configuration. It is built once
// at startup and handed to every component that needs it; there is no
// global config variable.
type Config struct {
	WebhookPort     int
	WebhookProxyURL string

	InstallationLogin string
	GithubAppID        int64
	PrivateKeyPath     string
	PrivateKey         []byte
	WebhookSecret      []byte

	DBPath           string
	RepositoriesPath string

	GitlabURL         string
	GitlabAccessToken string

	DisableOrgChecks bool

	GithubSourcePrefix string
	GithubSourceSuffix string

	// DependencyUpdates maps a repository name to the ordered list of
	// dependency repositories that must be refreshed in its manifest
	// before it is merged.
	DependencyUpdates map[string][]string
}

const (
	defGithubSourcePrefix = "https://github.com"
	defGithubSourceSuffix = ""
)

// FromEnv reads the configuration from the process environment. Required
// variables missing from the environment make this return an error;
// optional ones fall back to documented defaults.
func FromEnv() (*Config, error) {
	c := &Config{
		GithubSourcePrefix: defGithubSourcePrefix,
		GithubSourceSuffix: defGithubSourceSuffix,
	}

	var err error

	if c.WebhookPort, err = requiredInt("WEBHOOK_PORT"); err != nil {
		return nil, err
	}

	if c.InstallationLogin, err = required("INSTALLATION_LOGIN"); err != nil {
		return nil, err
	}

	if c.DBPath, err = required("DB_PATH"); err != nil {
		return nil, err
	}

	if c.RepositoriesPath, err = required("REPOSITORIES_PATH"); err != nil {
		return nil, err
	}

	if c.PrivateKeyPath, err = required("PRIVATE_KEY_PATH"); err != nil {
		return nil, err
	}

	c.PrivateKey, err = os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key from %q failed: %w", c.PrivateKeyPath, err)
	}

	secret, err := required("WEBHOOK_SECRET")
	if err != nil {
		return nil, err
	}
	c.WebhookSecret = []byte(secret)

	var appID int
	if appID, err = requiredInt("GITHUB_APP_ID"); err != nil {
		return nil, err
	}
	c.GithubAppID = int64(appID)

	if c.GitlabURL, err = required("GITLAB_URL"); err != nil {
		return nil, err
	}

	if c.GitlabAccessToken, err = required("GITLAB_ACCESS_TOKEN"); err != nil {
		return nil, err
	}

	c.WebhookProxyURL = os.Getenv("WEBHOOK_PROXY_URL")
	c.DisableOrgChecks = os.Getenv("DISABLE_ORG_CHECKS") != ""

	if v := os.Getenv("GITHUB_SOURCE_PREFIX"); v != "" {
		c.GithubSourcePrefix = v
	}
	if v := os.Getenv("GITHUB_SOURCE_SUFFIX"); v != "" {
		c.GithubSourceSuffix = v
	}

	c.DependencyUpdates, err = parseDependencyUpdateConfiguration(os.Getenv("DEPENDENCY_UPDATE_CONFIGURATION"))
	if err != nil {
		return nil, fmt.Errorf("parsing DEPENDENCY_UPDATE_CONFIGURATION failed: %w", err)
	}

	return c, nil
}

func required(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is unset", name)
	}
	return v, nil
}

func requiredInt(name string) (int, error) {
	v, err := required(name)
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("environment variable %q is not a valid integer: %w", name, err)
	}

	return n, nil
}

// parseDependencyUpdateConfiguration parses the format
// "repo=dep+dep:repo=dep" into a repo -> ordered dependency list map.
func parseDependencyUpdateConfiguration(raw string) (map[string][]string, error) {
	result := map[string][]string{}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return result, nil
	}

	for _, entry := range strings.Split(raw, ":") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed entry %q, expected repo=dep+dep", entry)
		}

		deps := strings.Split(parts[1], "+")
		for _, d := range deps {
			if d == "" {
				return nil, fmt.Errorf("malformed entry %q, empty dependency name", entry)
			}
		}

		result[parts[0]] = deps
	}

	return result, nil
}
