package flagcore

import "sync"

// EvalResult is the outcome of evaluating a ConfigSpec against a User
// (SPEC_FULL.md §6 / spec.md §4.3).
type EvalResult struct {
	Value                         interface{}
	RuleID                        string
	GroupName                     string
	SecondaryExposures            []SecondaryExposure
	UndelegatedSecondaryExposures []SecondaryExposure
	ConfigDelegate                string
	ExplicitParameters            map[string]bool
	IsExperimentActive            bool
	EvaluationDetails              *EvaluationDetails
}

// Evaluator is the deterministic rule engine: it walks a ConfigSpec's rules
// for a User and decides the pass/value, the deciding rule, and any
// overrides set by the caller. It never performs network or adapter I/O;
// all data comes from the Store snapshot it was built on.
type Evaluator struct {
	store         *Store
	countryLookup CountryLookup
	uaParser      UAParser

	mu              sync.RWMutex
	gateOverrides   map[string]bool
	configOverrides map[string]map[string]interface{}
}

// NewEvaluator builds an Evaluator over store. countryLookup/uaParser may be
// nil, in which case ip_based/ua_based conditions never fall back to IP or
// user-agent derived values (they still consult the raw field first).
func NewEvaluator(store *Store, countryLookup CountryLookup, uaParser UAParser) *Evaluator {
	if countryLookup == nil {
		countryLookup = noopCountryLookup{}
	}
	if uaParser == nil {
		uaParser = noopUAParser{}
	}
	return &Evaluator{
		store:           store,
		countryLookup:   countryLookup,
		uaParser:        uaParser,
		gateOverrides:   make(map[string]bool),
		configOverrides: make(map[string]map[string]interface{}),
	}
}

// OverrideGate forces a gate's decision regardless of its spec, for local
// testing/debugging. Overrides are evaluator-scoped, not persisted.
func (e *Evaluator) OverrideGate(name string, value bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gateOverrides[name] = value
}

// OverrideConfig forces a dynamic config/layer's value.
func (e *Evaluator) OverrideConfig(name string, value map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configOverrides[name] = value
}

func (e *Evaluator) gateOverride(name string) (bool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.gateOverrides[name]
	return v, ok
}

func (e *Evaluator) configOverride(name string) (map[string]interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.configOverrides[name]
	return v, ok
}

func (e *Evaluator) unrecognized() *EvalResult {
	return &EvalResult{EvaluationDetails: e.store.evaluationDetails(ReasonUnrecognized)}
}

// CheckGate evaluates the named feature gate.
func (e *Evaluator) CheckGate(user User, name string) *EvalResult {
	if v, ok := e.gateOverride(name); ok {
		return &EvalResult{Value: v, RuleID: "override", EvaluationDetails: e.store.evaluationDetails(ReasonNone)}
	}
	spec, ok := e.store.getGate(name)
	if !ok {
		return e.unrecognized()
	}
	return e.checkGateAtDepth(user, spec.Name, 0)
}

// checkGateAtDepth is CheckGate with explicit recursion depth, used by
// pass_gate/fail_gate/multi_*_gate conditions so the override path above
// isn't repeated for inner checks (inner checks never consult overrides;
// SPEC_FULL.md treats overrides as an outermost-call concern only).
func (e *Evaluator) checkGateAtDepth(user User, name string, depth int) *EvalResult {
	spec, ok := e.store.getGate(name)
	if !ok {
		return e.unrecognized()
	}
	return e.eval(user, spec, depth)
}

// GetConfig evaluates the named dynamic config.
func (e *Evaluator) GetConfig(user User, name string) *EvalResult {
	if v, ok := e.configOverride(name); ok {
		return &EvalResult{Value: v, RuleID: "override", EvaluationDetails: e.store.evaluationDetails(ReasonNone)}
	}
	spec, ok := e.store.getDynamicConfig(name)
	if !ok {
		return e.unrecognized()
	}
	return e.eval(user, spec, 0)
}

// GetLayer evaluates the named layer.
func (e *Evaluator) GetLayer(user User, name string) *EvalResult {
	spec, ok := e.store.getLayer(name)
	if !ok {
		return e.unrecognized()
	}
	return e.eval(user, spec, 0)
}

// eval is the rule-walk algorithm shared by gates, configs, and layers
// (spec.md §4.3).
func (e *Evaluator) eval(user User, spec ConfigSpec, depth int) *EvalResult {
	details := e.store.evaluationDetails(ReasonNone)
	isValueKind := spec.Kind() != KindFeatureGate

	defaultValue := defaultValueFor(spec, isValueKind)

	if !spec.Enabled {
		return &EvalResult{
			Value:              defaultValue,
			RuleID:             "disabled",
			EvaluationDetails:  details,
		}
	}

	var exposures []SecondaryExposure
	for _, rule := range spec.Rules {
		ruleResult := e.evalRule(user, rule, spec, depth)
		exposures = append(exposures, ruleResult.exposures...)
		if !ruleResult.matched {
			continue
		}

		if rule.ConfigDelegate != "" {
			if delegated := e.evalDelegate(user, rule, exposures, depth); delegated != nil {
				return delegated
			}
		}

		pass := evalPassPercentage(user, rule, spec)
		if isValueKind {
			value := defaultValue
			if pass {
				value = ruleValueFor(rule)
			}
			return &EvalResult{
				Value:                          value,
				RuleID:                         rule.ID,
				GroupName:                      rule.GroupName,
				SecondaryExposures:             exposures,
				UndelegatedSecondaryExposures:  exposures,
				EvaluationDetails:              details,
			}
		}
		return &EvalResult{
			Value:              pass,
			RuleID:             rule.ID,
			GroupName:          rule.GroupName,
			SecondaryExposures: exposures,
			EvaluationDetails:  details,
		}
	}

	return &EvalResult{
		Value:                         defaultValue,
		RuleID:                        "default",
		SecondaryExposures:            exposures,
		UndelegatedSecondaryExposures: exposures,
		EvaluationDetails:             details,
	}
}

func defaultValueFor(spec ConfigSpec, isValueKind bool) interface{} {
	if isValueKind {
		return spec.defaultValueJSON
	}
	return false
}

func ruleValueFor(rule ConfigRule) map[string]interface{} {
	return rule.returnValueJSON
}

type ruleWalkResult struct {
	matched   bool
	exposures []SecondaryExposure
}

// evalRule evaluates every condition of a rule in order. The rule matches
// only if every condition matches; an unresolved (unrecognized) condition
// never matches.
func (e *Evaluator) evalRule(user User, rule ConfigRule, spec ConfigSpec, depth int) ruleWalkResult {
	matched := true
	var exposures []SecondaryExposure
	for _, cond := range rule.Conditions {
		res := e.evalCondition(user, cond, spec, depth)
		exposures = append(exposures, res.Exposures...)
		if res.Unresolved || !res.Pass {
			matched = false
		}
	}
	return ruleWalkResult{matched: matched, exposures: exposures}
}

// evalDelegate resolves a layer rule's configDelegate by recursively
// evaluating the named experiment and substituting its value, marking which
// of the layer's parameters the delegated experiment explicitly controls.
func (e *Evaluator) evalDelegate(user User, rule ConfigRule, exposures []SecondaryExposure, depth int) *EvalResult {
	config, ok := e.store.getDynamicConfig(rule.ConfigDelegate)
	if !ok {
		return nil
	}
	result := e.eval(user, config, depth+1)
	result.ConfigDelegate = rule.ConfigDelegate
	result.UndelegatedSecondaryExposures = exposures
	result.SecondaryExposures = append(append([]SecondaryExposure{}, exposures...), result.SecondaryExposures...)

	explicit := make(map[string]bool, len(config.ExplicitParameters))
	for _, p := range config.ExplicitParameters {
		explicit[p] = true
	}
	result.ExplicitParameters = explicit
	return result
}
