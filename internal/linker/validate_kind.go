package linker

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/btcdecoded/govcore/internal/ruleset"
)

// KindEvaluator compiles and runs the CEL predicate backing a
// CrossLayerRule's validation_kind. Built-in kinds (corresponding-file-exists,
// references-latest-version, equivalence-proof-referenced) have default
// expressions; a rule may override validation_expr to customize the check
// without a code change.
type KindEvaluator struct {
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewKindEvaluator builds the CEL environment link validation runs in: the
// source and companion change, each as a map of
// changed_paths/ready_to_merge/equivalence_proof.
func NewKindEvaluator() (*KindEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("source", types.NewMapType(types.StringType, types.DynType)),
		cel.Variable("companion", types.NewMapType(types.StringType, types.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("linker: create CEL env: %w", err)
	}
	return &KindEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func defaultExpr(kind ruleset.ValidationKind) string {
	switch kind {
	case ruleset.ValidationCorrespondingFileExists:
		return "size(companion.changed_paths) > 0"
	case ruleset.ValidationReferencesLatestVersion:
		return "companion.ready_to_merge == true"
	case ruleset.ValidationEquivalenceProofReferenced:
		return "has(companion.equivalence_proof) && companion.equivalence_proof != \"\""
	default:
		return "false"
	}
}

// Evaluate runs the validation expression for rule against the source and
// companion change. Compilation errors and runtime errors both evaluate to
// false — fail-closed, matching the teacher's PolicyEngine default-deny.
func (k *KindEvaluator) Evaluate(rule ruleset.CrossLayerRule, source, companion map[string]interface{}) bool {
	expr := rule.ValidationExpr
	if expr == "" {
		expr = defaultExpr(rule.ValidationKind)
	}

	k.mu.Lock()
	prg, ok := k.programs[expr]
	if !ok {
		ast, issues := k.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			k.mu.Unlock()
			return false
		}
		var err error
		prg, err = k.env.Program(ast)
		if err != nil {
			k.mu.Unlock()
			return false
		}
		k.programs[expr] = prg
	}
	k.mu.Unlock()

	out, _, err := prg.Eval(map[string]interface{}{
		"source":    source,
		"companion": companion,
	})
	if err != nil {
		return false
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}
