package ruleset

import "fmt"

// Validate checks the structural invariants §4.2 requires before a RuleSet
// may become active: threshold consistency, synchronized_with symmetry,
// tier coverage, and cross-layer repo references. The first violation
// found is returned; callers treat any error as reload-rejected.
func Validate(rs *RuleSet) error {
	if rs.VersionID == "" {
		return fmt.Errorf("ruleset: version_id is required")
	}

	repoByName := make(map[string]RepoPolicy, len(rs.RepoPolicies))
	for _, p := range rs.RepoPolicies {
		if _, dup := repoByName[p.RepoName]; dup {
			return fmt.Errorf("ruleset: duplicate repo_policy for %q", p.RepoName)
		}
		repoByName[p.RepoName] = p

		if p.Threshold.K < 1 || p.Threshold.K > p.Threshold.N {
			return fmt.Errorf("ruleset: repo %q has invalid threshold (%d,%d): require 1 <= k <= n",
				p.RepoName, p.Threshold.K, p.Threshold.N)
		}

		active := rs.ActiveMaintainersInTier(p.Tier)
		if len(active) < p.Threshold.N {
			return fmt.Errorf("ruleset: tier %d backing repo %q has %d active maintainers, needs >= n=%d",
				p.Tier, p.RepoName, len(active), p.Threshold.N)
		}
	}

	for _, p := range rs.RepoPolicies {
		for _, peer := range p.SynchronizedWith {
			peerPolicy, ok := repoByName[peer]
			if !ok {
				return fmt.Errorf("ruleset: repo %q synchronized_with unknown repo %q", p.RepoName, peer)
			}
			if !contains(peerPolicy.SynchronizedWith, p.RepoName) {
				return fmt.Errorf("ruleset: synchronized_with asymmetric: %q lists %q but not vice versa",
					p.RepoName, peer)
			}
		}
	}

	if t := rs.MetaPolicy.EmergencyActivationThreshold; t.N > 0 || t.K > 0 {
		if t.K < 1 || t.K > t.N {
			return fmt.Errorf("ruleset: emergency_activation_threshold (%d,%d): require 1 <= k <= n", t.K, t.N)
		}
		activeKeyholders := 0
		for _, k := range rs.EmergencyKeyholders {
			if k.Active {
				activeKeyholders++
			}
		}
		if activeKeyholders < t.K {
			return fmt.Errorf("ruleset: emergency_activation_threshold needs >= k=%d active emergency_keyholders, has %d", t.K, activeKeyholders)
		}
	}

	seenParentIDs := make(map[string]bool, len(rs.VotingParentKeys))
	for _, k := range rs.VotingParentKeys {
		if k.ID == "" {
			return fmt.Errorf("ruleset: voting_parent_key has no id")
		}
		if seenParentIDs[k.ID] {
			return fmt.Errorf("ruleset: duplicate voting_parent_key id %q", k.ID)
		}
		seenParentIDs[k.ID] = true
		if k.Active && k.SecretHex == "" {
			return fmt.Errorf("ruleset: voting_parent_key %q is active but has no secret_hex", k.ID)
		}
	}

	for _, rule := range rs.CrossLayerRules {
		if _, ok := repoByName[rule.SourceRepo]; !ok {
			return fmt.Errorf("ruleset: cross_layer_rule references unknown source_repo %q", rule.SourceRepo)
		}
		if _, ok := repoByName[rule.TargetRepo]; !ok {
			return fmt.Errorf("ruleset: cross_layer_rule references unknown target_repo %q", rule.TargetRepo)
		}
		switch rule.ValidationKind {
		case ValidationCorrespondingFileExists, ValidationReferencesLatestVersion, ValidationEquivalenceProofReferenced:
		default:
			return fmt.Errorf("ruleset: cross_layer_rule has unknown validation_kind %q", rule.ValidationKind)
		}
	}

	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
