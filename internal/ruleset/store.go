package ruleset

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/btcdecoded/govcore/internal/audit"
)

// bundleSchema is compiled once; it catches malformed rule documents before
// they reach field-level Validate, the way the teacher's firewall compiles
// one schema per tool up front.
var bundleSchema = mustCompileBundleSchema()

func mustCompileBundleSchema() *jsonschema.Schema {
	const schemaDoc = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["version_id", "maintainers", "repo_policies"],
		"properties": {
			"version_id": {"type": "string", "minLength": 1},
			"maintainers": {"type": "array"},
			"emergency_keyholders": {"type": "array"},
			"repo_policies": {"type": "array"},
			"cross_layer_rules": {"type": "array"},
			"meta_policy": {"type": "object"}
		}
	}`
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://govcore.local/schema/ruleset.schema.json"
	if err := c.AddResource(url, strings.NewReader(schemaDoc)); err != nil {
		panic(fmt.Sprintf("ruleset: embedded schema invalid: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("ruleset: embedded schema compile failed: %v", err))
	}
	return compiled
}

// OnReload is invoked after a RuleSet is accepted and swapped in.
type OnReload func(rs *RuleSet)

// Store holds the currently active RuleSet behind an atomic pointer, so
// snapshot() never blocks on a concurrent reload. A reader that obtained a
// snapshot at version V always finishes evaluating against V — this is the
// no-retroactive-rule-application invariant the whole engine depends on.
type Store struct {
	current  atomic.Pointer[RuleSet]
	auditLog *audit.Log
	onReload OnReload

	// versions retains every accepted RuleSet by version_id. A change frozen
	// to version V is evaluated against V for its whole lifetime even after
	// the active pointer has moved on — reload is visible only to changes
	// opened afterwards.
	versionsMu sync.RWMutex
	versions   map[string]*RuleSet
}

// NewStore constructs a Store with no active RuleSet; callers must Reload
// once before the first snapshot is meaningful.
func NewStore(auditLog *audit.Log) *Store {
	return &Store{auditLog: auditLog, versions: make(map[string]*RuleSet)}
}

// Snapshot returns the currently active RuleSet. Safe for concurrent use;
// never blocks on a concurrent Reload.
func (s *Store) Snapshot() *RuleSet {
	return s.current.Load()
}

// ByVersion returns the retained RuleSet for a previously accepted
// version_id, or false if this process has never loaded it. Callers fall
// back to Snapshot when a frozen version predates the current process
// lifetime (the forge's truth re-derives the change either way).
func (s *Store) ByVersion(versionID string) (*RuleSet, bool) {
	s.versionsMu.RLock()
	defer s.versionsMu.RUnlock()
	rs, ok := s.versions[versionID]
	return rs, ok
}

// OnReloadFunc registers a callback invoked after every accepted reload.
func (s *Store) OnReloadFunc(fn OnReload) {
	s.onReload = fn
}

// Reload validates candidate and, if it passes, swaps it in atomically. On
// rejection the previous RuleSet remains active and a rule-reload-rejected
// audit entry is emitted — reload failure is never silent.
func (s *Store) Reload(ctx context.Context, candidate *RuleSet) error {
	if err := Validate(candidate); err != nil {
		s.emitRejected(ctx, candidate, err)
		return fmt.Errorf("ruleset: reload rejected: %w", err)
	}

	if prev := s.current.Load(); prev != nil {
		prevVer, errPrev := semver.NewVersion(prev.VersionID)
		nextVer, errNext := semver.NewVersion(candidate.VersionID)
		if errPrev == nil && errNext == nil && !nextVer.GreaterThan(prevVer) {
			err := fmt.Errorf("version_id %s does not advance past active %s", candidate.VersionID, prev.VersionID)
			s.emitRejected(ctx, candidate, err)
			return fmt.Errorf("ruleset: reload rejected: %w", err)
		}
	}

	s.versionsMu.Lock()
	s.versions[candidate.VersionID] = candidate
	s.versionsMu.Unlock()
	s.current.Store(candidate)

	if s.auditLog != nil {
		_, _ = s.auditLog.Append(ctx, audit.EventRuleReloadAccepted, candidate.VersionID, candidate)
	}
	if s.onReload != nil {
		s.onReload(candidate)
	}
	return nil
}

func (s *Store) emitRejected(ctx context.Context, candidate *RuleSet, cause error) {
	if s.auditLog == nil {
		return
	}
	payload := struct {
		CandidateVersion string `json:"candidate_version"`
		Reason           string `json:"reason"`
	}{CandidateVersion: candidate.VersionID, Reason: cause.Error()}
	_, _ = s.auditLog.Append(ctx, audit.EventRuleReloadRejected, candidate.VersionID, payload)
}

// ParseBundle decodes raw YAML bytes into a RuleSet and validates a map
// projection of the decoded RuleSet (bundleAsJSONDoc) against the embedded
// JSON Schema. Field-level Validate still runs inside Reload.
func ParseBundle(raw []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("ruleset: parse bundle yaml: %w", err)
	}

	doc := bundleAsJSONDoc(&rs)
	if err := bundleSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("ruleset: schema validation: %w", err)
	}
	return &rs, nil
}

// bundleAsJSONDoc produces the map[string]interface{} shape jsonschema.Validate
// expects, mirroring the already-decoded RuleSet rather than re-parsing.
func bundleAsJSONDoc(rs *RuleSet) map[string]interface{} {
	return map[string]interface{}{
		"version_id":           rs.VersionID,
		"maintainers":          toAnySlice(rs.Maintainers),
		"emergency_keyholders": toAnySlice(rs.EmergencyKeyholders),
		"repo_policies":        toAnySlice(rs.RepoPolicies),
		"cross_layer_rules":    toAnySlice(rs.CrossLayerRules),
		"meta_policy":          map[string]interface{}{},
	}
}

func toAnySlice[T any](items []T) []interface{} {
	out := make([]interface{}, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}
