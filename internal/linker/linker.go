// Package linker implements C7: the cross-layer dependency resolver. A
// ChangeRecord whose changed paths match a CrossLayerRule requires a ready
// companion change in the rule's target repo; linked changes promote or
// revert together as one link group.
package linker

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/btcdecoded/govcore/internal/ruleset"
)

// ChangeRef is the minimal view of a change the resolver needs.
// EquivalenceProof carries the proposer-annotated proof reference the
// equivalence-proof-referenced validation kind checks on a companion.
type ChangeRef struct {
	Repo             string
	Number           int64
	ChangedPaths     []string
	ReadyToMerge     bool
	EquivalenceProof string
}

func (c ChangeRef) id() string { return fmt.Sprintf("%s#%d", c.Repo, c.Number) }

// LinkKind distinguishes how a companion relationship was established.
type LinkKind string

const (
	LinkExplicit LinkKind = "explicit"
	LinkInferred LinkKind = "inferred"
)

// Link is one edge in a link group: change requires companion under rule.
type Link struct {
	Change    ChangeRef
	Companion ChangeRef
	Rule      ruleset.CrossLayerRule
	Kind      LinkKind
	// Confirmed is true once a maintainer has signed off on an inferred
	// link; explicit links are confirmed by construction.
	Confirmed bool
}

// MatchingRules returns every CrossLayerRule whose source_repo/pattern
// matches change, including the symmetric direction of bidirectional rules.
func MatchingRules(rs *ruleset.RuleSet, change ChangeRef) []ruleset.CrossLayerRule {
	var out []ruleset.CrossLayerRule
	for _, rule := range rs.CrossLayerRules {
		if rule.SourceRepo == change.Repo && anyPathMatches(change.ChangedPaths, rule.SourcePathPattern) {
			out = append(out, rule)
		}
		if rule.Bidirectional && rule.TargetRepo == change.Repo && anyPathMatches(change.ChangedPaths, rule.TargetPathPattern) {
			// Symmetric direction: swap source/target so callers always read
			// TargetRepo/TargetPathPattern as "the companion to find".
			out = append(out, ruleset.CrossLayerRule{
				SourceRepo:        rule.TargetRepo,
				SourcePathPattern: rule.TargetPathPattern,
				TargetRepo:        rule.SourceRepo,
				TargetPathPattern: rule.SourcePathPattern,
				ValidationKind:    rule.ValidationKind,
				ValidationExpr:    rule.ValidationExpr,
				Bidirectional:     true,
			})
		}
	}
	return out
}

func anyPathMatches(paths []string, pattern string) bool {
	for _, p := range paths {
		if ok, _ := filepath.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// FindCompanion searches candidates in target_repo for one matching
// target_path_pattern, establishing an inferred link if found. Explicit
// links (the proposer annotated the companion) are passed directly as
// explicitCompanion and always take precedence.
func FindCompanion(rule ruleset.CrossLayerRule, candidates []ChangeRef, explicitCompanion *ChangeRef) (Link, bool) {
	if explicitCompanion != nil {
		return Link{Rule: rule, Companion: *explicitCompanion, Kind: LinkExplicit, Confirmed: true}, true
	}
	for _, c := range candidates {
		if c.Repo == rule.TargetRepo && anyPathMatches(c.ChangedPaths, rule.TargetPathPattern) {
			return Link{Rule: rule, Companion: c, Kind: LinkInferred, Confirmed: false}, true
		}
	}
	return Link{}, false
}

// Group is a set of mutually-linked changes that must promote or revert
// together: when every member reaches readiness, the merge signal fires
// for the whole group atomically; if any member falls out, the whole
// group reverts to pending-links.
type Group struct {
	Members []ChangeRef
	Links   []Link
}

// BuildGroup resolves the connected component of the link graph rooted at
// root via DFS. Per design note §9, bidirectional cross-layer rules make
// this graph routinely cyclic (A requires B, B requires A is the ordinary
// shape of a two-repo sync, not an error case) — unlike a dependency DAG,
// a link group is not required to be acyclic. A node already on the
// recursion stack is simply not re-visited; its edge is still recorded so
// Ready() sees every link in the component.
func BuildGroup(root ChangeRef, edgesOf func(ChangeRef) []Link) (*Group, error) {
	visited := make(map[string]bool)
	members := make(map[string]ChangeRef)
	var allLinks []Link

	var visit func(c ChangeRef)
	visit = func(c ChangeRef) {
		id := c.id()
		if visited[id] {
			return
		}
		visited[id] = true
		members[id] = c

		for _, link := range edgesOf(c) {
			allLinks = append(allLinks, link)
			visit(link.Companion)
		}
	}

	visit(root)

	group := &Group{Links: allLinks}
	for _, m := range members {
		group.Members = append(group.Members, m)
	}
	sort.Slice(group.Members, func(i, j int) bool { return group.Members[i].id() < group.Members[j].id() })
	return group, nil
}

// GroupID is the deterministic group identifier spec §9 calls for: the
// member change-ids, sorted and joined. Stable regardless of discovery
// order so the same link group always hashes to the same audit subject.
func (g *Group) GroupID() string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.id()
	}
	sort.Strings(ids)
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}

// Ready reports whether every member of the group, and every link's
// confirmation requirement, is satisfied — the condition under which the
// whole group promotes atomically.
func (g *Group) Ready() bool {
	for _, m := range g.Members {
		if !m.ReadyToMerge {
			return false
		}
	}
	for _, l := range g.Links {
		if l.Kind == LinkInferred && !l.Confirmed {
			return false
		}
	}
	return true
}
