// Package companion resolves the cross-repository dependency graph
// rooted at a pull request, by reading its description and its dependency
// manifest.
package companion

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"

	"github.com/paritybot/cascade/internal/store"
)

// Identity aliases the PR identity triple used by the store, so graphs and
// pending records talk about the same value type.
type Identity = store.Identity

// GithubClient is the subset of github operations the resolver needs. It
// is satisfied by *githubclt.Client; tests use a hand-written fake.
type GithubClient interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)
	GetFileContents(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
	FindOpenPRForBranch(ctx context.Context, owner, repo, branch string) (number int, found bool, err error)
}

// PullRequest is the subset of pull request data the resolver needs.
type PullRequest struct {
	Body    string
	HeadRef string
	BaseRef string
}

// Graph is the companion dependency DAG rooted at a starting PR. An edge
// from A to B means "A depends on B": B must merge first.
type Graph struct {
	Root         Identity
	dependencies map[Identity][]Identity
	order        []Identity // discovery order, root first
}

// Dependencies returns the direct dependencies of id, in discovery order.
func (g *Graph) Dependencies(id Identity) []Identity {
	return g.dependencies[id]
}

// Nodes returns every PR identity in the graph, root first, in discovery
// order.
func (g *Graph) Nodes() []Identity {
	return g.order
}

// TopoOrder returns a topological order of the graph: dependencies before
// dependents, ties broken by discovery order for determinism.
func (g *Graph) TopoOrder() []Identity {
	visited := make(map[Identity]bool, len(g.order))
	var result []Identity

	var visit func(id Identity)
	visit = func(id Identity) {
		if visited[id] {
			return
		}
		visited[id] = true

		for _, dep := range g.dependencies[id] {
			visit(dep)
		}

		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}

	return result
}

// CompanionCycleError is returned when the companion graph contains a
// cycle.
type CompanionCycleError struct {
	Path []Identity
}

func (e *CompanionCycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = id.Key()
	}
	return fmt.Sprintf("companion cycle detected: %s", strings.Join(parts, " -> "))
}

// companionLineRe matches "companion: <url or owner/repo#number>" lines,
// case-insensitively, one per PR body line.
var companionLineRe = regexp.MustCompile(`(?i)companion[^\n]*?(?:https://github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)|([\w.-]+)/([\w.-]+)#(\d+))`)

// Resolve computes the companion DAG rooted at root by transitively
// following `companion:` references in PR bodies and git dependencies in
// Cargo.toml that point at open PR branches.
func Resolve(ctx context.Context, clt GithubClient, root Identity, sourcePrefix, sourceSuffix string) (*Graph, error) {
	g := &Graph{
		Root:         root,
		dependencies: map[Identity][]Identity{},
	}

	inStack := map[Identity]bool{}
	var path []Identity

	var visit func(id Identity) error
	visit = func(id Identity) error {
		if inStack[id] {
			return &CompanionCycleError{Path: append(append([]Identity{}, path...), id)}
		}

		if _, seen := g.dependencies[id]; seen {
			return nil
		}

		inStack[id] = true
		path = append(path, id)
		g.dependencies[id] = nil
		g.order = append(g.order, id)

		deps, err := directDependencies(ctx, clt, id, sourcePrefix, sourceSuffix)
		if err != nil {
			return fmt.Errorf("resolving companions of %s failed: %w", id.Key(), err)
		}

		dedup := map[Identity]bool{}
		for _, dep := range deps {
			if dep == id || dedup[dep] {
				continue
			}
			dedup[dep] = true

			g.dependencies[id] = append(g.dependencies[id], dep)

			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		inStack[id] = false

		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}

	return g, nil
}

func directDependencies(ctx context.Context, clt GithubClient, id Identity, sourcePrefix, sourceSuffix string) ([]Identity, error) {
	pr, err := clt.GetPullRequest(ctx, id.Owner, id.Repo, id.Number)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request failed: %w", err)
	}

	var deps []Identity

	for _, m := range companionLineRe.FindAllStringSubmatch(pr.Body, -1) {
		dep, err := identityFromMatch(m)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}

	manifestDeps, err := manifestDependencies(ctx, clt, id, pr.HeadRef, sourcePrefix, sourceSuffix)
	if err != nil {
		return nil, err
	}
	deps = append(deps, manifestDeps...)

	return deps, nil
}

func identityFromMatch(m []string) (Identity, error) {
	if m[1] != "" {
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return Identity{}, fmt.Errorf("parsing companion pr number failed: %w", err)
		}
		return Identity{Owner: m[1], Repo: m[2], Number: n}, nil
	}

	n, err := strconv.Atoi(m[6])
	if err != nil {
		return Identity{}, fmt.Errorf("parsing companion pr number failed: %w", err)
	}
	return Identity{Owner: m[4], Repo: m[5], Number: n}, nil
}

// manifestEntry is the shape of a [dependencies.*] entry in Cargo.toml
// that pins a package to a git repository and branch.
type manifestEntry struct {
	Git    string
	Branch string
}

func manifestDependencies(ctx context.Context, clt GithubClient, id Identity, headRef, sourcePrefix, sourceSuffix string) ([]Identity, error) {
	raw, err := clt.GetFileContents(ctx, id.Owner, id.Repo, "Cargo.toml", headRef)
	if err != nil {
		return nil, fmt.Errorf("reading Cargo.toml failed: %w", err)
	}

	entries, err := parseGitDependencies(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing Cargo.toml failed: %w", err)
	}

	var deps []Identity
	for _, e := range entries {
		if e.Branch == "" {
			continue
		}

		if !strings.HasPrefix(e.Git, sourcePrefix) || !strings.HasSuffix(e.Git, sourceSuffix) {
			continue
		}

		owner, repo, ok := ownerRepoFromGitURL(e.Git, sourcePrefix, sourceSuffix)
		if !ok {
			continue
		}

		number, found, err := clt.FindOpenPRForBranch(ctx, owner, repo, e.Branch)
		if err != nil {
			return nil, fmt.Errorf("looking up open PR for branch %q of %s/%s failed: %w", e.Branch, owner, repo, err)
		}
		if !found {
			continue
		}

		deps = append(deps, Identity{Owner: owner, Repo: repo, Number: number})
	}

	return deps, nil
}

func parseGitDependencies(raw []byte) ([]manifestEntry, error) {
	tree, err := toml.LoadBytes(raw)
	if err != nil {
		return nil, err
	}

	depsTree, ok := tree.Get("dependencies").(*toml.Tree)
	if !ok {
		return nil, nil
	}

	var entries []manifestEntry
	for _, key := range depsTree.Keys() {
		depTree, ok := depsTree.Get(key).(*toml.Tree)
		if !ok {
			continue
		}

		git, _ := depTree.Get("git").(string)
		if git == "" {
			continue
		}

		branch, _ := depTree.Get("branch").(string)
		entries = append(entries, manifestEntry{Git: git, Branch: branch})
	}

	return entries, nil
}

func ownerRepoFromGitURL(gitURL, prefix, suffix string) (owner, repo string, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(gitURL, prefix), suffix)
	trimmed = strings.TrimPrefix(trimmed, "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")

	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	return parts[0], parts[1], true
}
