package flagcore

import "testing"

// newTestStore builds a Store with no background sync, for tests that only
// need getGate/getDynamicConfig/getLayer/getIDList to serve fixed data.
func newTestStore() *Store {
	return &Store{
		featureGates:   make(map[string]ConfigSpec),
		dynamicConfigs: make(map[string]ConfigSpec),
		layerConfigs:   make(map[string]ConfigSpec),
		idLists:        make(map[string]*IDList),
		diagnostics:    NoopDiagnostics{},
		errorBoundary:  newErrorBoundary("test-key", ""),
	}
}

func mustSpec(t *testing.T, c ConfigSpec) ConfigSpec {
	t.Helper()
	spec, err := newConfigSpecFromWire(c)
	if err != nil {
		t.Fatalf("failed to construct test spec: %v", err)
	}
	return spec
}

func TestCheckGateAlwaysOnPublicRule(t *testing.T) {
	store := newTestStore()
	store.featureGates["always_on"] = mustSpec(t, ConfigSpec{
		Name:    "always_on",
		Type:    string(KindFeatureGate),
		Enabled: true,
		Rules: []ConfigRule{
			{ID: "rule1", PassPercentage: 100, Conditions: []ConfigCondition{{Type: "public"}}},
		},
	})
	e := NewEvaluator(store, nil, nil)
	result := e.CheckGate(User{UserID: "u1"}, "always_on")
	if v, _ := result.Value.(bool); !v {
		t.Error("expected always_on gate to pass")
	}
	if result.RuleID != "rule1" {
		t.Errorf("expected deciding rule rule1, got %s", result.RuleID)
	}
}

func TestCheckGateUnrecognizedReturnsFalse(t *testing.T) {
	e := NewEvaluator(newTestStore(), nil, nil)
	result := e.CheckGate(User{UserID: "u1"}, "does_not_exist")
	if v, _ := result.Value.(bool); v {
		t.Error("expected unrecognized gate to evaluate to false")
	}
	if result.EvaluationDetails.Reason != ReasonUnrecognized {
		t.Errorf("expected ReasonUnrecognized, got %s", result.EvaluationDetails.Reason)
	}
}

func TestCheckGateDisabledReturnsDefault(t *testing.T) {
	store := newTestStore()
	store.featureGates["off_gate"] = mustSpec(t, ConfigSpec{
		Name:    "off_gate",
		Type:    string(KindFeatureGate),
		Enabled: false,
	})
	e := NewEvaluator(store, nil, nil)
	result := e.CheckGate(User{UserID: "u1"}, "off_gate")
	if v, _ := result.Value.(bool); v {
		t.Error("expected a disabled gate to evaluate to false")
	}
}

func TestGetConfigReturnsRuleValue(t *testing.T) {
	store := newTestStore()
	store.dynamicConfigs["my_config"] = mustSpec(t, ConfigSpec{
		Name:         "my_config",
		Type:         string(KindDynamicConfig),
		Enabled:      true,
		DefaultValue: []byte(`{"color":"blue"}`),
		Rules: []ConfigRule{
			{
				ID:             "rule1",
				PassPercentage: 100,
				Conditions:     []ConfigCondition{{Type: "public"}},
				ReturnValue:    []byte(`{"color":"red"}`),
			},
		},
	})
	e := NewEvaluator(store, nil, nil)
	result := e.GetConfig(User{UserID: "u1"}, "my_config")
	value, ok := result.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map value, got %T", result.Value)
	}
	if value["color"] != "red" {
		t.Errorf("expected rule's return value to win, got %v", value["color"])
	}
}

func TestGetConfigFallsBackToDefault(t *testing.T) {
	store := newTestStore()
	store.dynamicConfigs["my_config"] = mustSpec(t, ConfigSpec{
		Name:         "my_config",
		Type:         string(KindDynamicConfig),
		Enabled:      true,
		DefaultValue: []byte(`{"color":"blue"}`),
	})
	e := NewEvaluator(store, nil, nil)
	result := e.GetConfig(User{UserID: "u1"}, "my_config")
	value, ok := result.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map value, got %T", result.Value)
	}
	if value["color"] != "blue" {
		t.Errorf("expected default value when no rule matches, got %v", value["color"])
	}
	if result.RuleID != "default" {
		t.Errorf("expected RuleID 'default', got %s", result.RuleID)
	}
}

func TestOverrideGate(t *testing.T) {
	e := NewEvaluator(newTestStore(), nil, nil)
	e.OverrideGate("any_gate", true)
	result := e.CheckGate(User{UserID: "u1"}, "any_gate")
	if v, _ := result.Value.(bool); !v {
		t.Error("expected override to force the gate to true")
	}
}

func TestLayerDelegatesToExperiment(t *testing.T) {
	store := newTestStore()
	store.dynamicConfigs["exp1"] = mustSpec(t, ConfigSpec{
		Name:               "exp1",
		Type:               string(KindDynamicConfig),
		Enabled:            true,
		DefaultValue:       []byte(`{}`),
		ExplicitParameters: []string{"color"},
		Rules: []ConfigRule{
			{ID: "r1", PassPercentage: 100, Conditions: []ConfigCondition{{Type: "public"}}, ReturnValue: []byte(`{"color":"green"}`)},
		},
	})
	store.layerConfigs["layer1"] = mustSpec(t, ConfigSpec{
		Name:         "layer1",
		Type:         string(KindLayer),
		Enabled:      true,
		DefaultValue: []byte(`{"color":"default"}`),
		Rules: []ConfigRule{
			{ID: "r1", PassPercentage: 100, Conditions: []ConfigCondition{{Type: "public"}}, ConfigDelegate: "exp1"},
		},
	})
	e := NewEvaluator(store, nil, nil)
	result := e.GetLayer(User{UserID: "u1"}, "layer1")
	value, ok := result.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map value, got %T", result.Value)
	}
	if value["color"] != "green" {
		t.Errorf("expected delegated experiment's value, got %v", value["color"])
	}
	if result.ConfigDelegate != "exp1" {
		t.Errorf("expected ConfigDelegate to be set to exp1, got %s", result.ConfigDelegate)
	}
	if !result.ExplicitParameters["color"] {
		t.Error("expected color to be marked as an explicit parameter")
	}
}

// TestSpecScenarioGatePassByRule is spec.md §8 scenario 1 verbatim.
func TestSpecScenarioGatePassByRule(t *testing.T) {
	store := newTestStore()
	store.featureGates["nfl"] = mustSpec(t, ConfigSpec{
		Name: "nfl", Type: string(KindFeatureGate), Salt: "na", Enabled: true,
		Rules: []ConfigRule{
			{
				ID:             "rule_id_gate",
				PassPercentage: 100,
				Conditions: []ConfigCondition{
					{Type: "user_field", Field: "email", Operator: "str_contains_any", TargetValue: []interface{}{"packers.com", "nfl.com"}},
				},
			},
		},
	})
	e := NewEvaluator(store, nil, nil)

	match := e.CheckGate(User{Email: "tore@packers.com"}, "nfl")
	if v, _ := match.Value.(bool); !v {
		t.Error("expected tore@packers.com to pass the nfl gate")
	}
	if match.RuleID != "rule_id_gate" {
		t.Errorf("expected ruleID rule_id_gate, got %s", match.RuleID)
	}

	noMatch := e.CheckGate(User{}, "nfl")
	if v, _ := noMatch.Value.(bool); v {
		t.Error("expected an empty user to fail the nfl gate")
	}
	if noMatch.RuleID != "default" {
		t.Errorf("expected ruleID default for a non-matching user, got %s", noMatch.RuleID)
	}
}

// TestSpecScenarioDisabledGate is spec.md §8 scenario 2.
func TestSpecScenarioDisabledGate(t *testing.T) {
	store := newTestStore()
	store.featureGates["nfl"] = mustSpec(t, ConfigSpec{
		Name: "nfl", Type: string(KindFeatureGate), Salt: "na", Enabled: false,
		Rules: []ConfigRule{
			{
				ID:             "rule_id_gate",
				PassPercentage: 100,
				Conditions: []ConfigCondition{
					{Type: "user_field", Field: "email", Operator: "str_contains_any", TargetValue: []interface{}{"packers.com", "nfl.com"}},
				},
			},
		},
	})
	e := NewEvaluator(store, nil, nil)
	result := e.CheckGate(User{Email: "tore@packers.com"}, "nfl")
	if v, _ := result.Value.(bool); v {
		t.Error("expected a disabled gate to evaluate to false even for a matching user")
	}
	if result.RuleID != "default" {
		t.Errorf("expected ruleID default for a disabled gate, got %s", result.RuleID)
	}
}

// TestSpecScenarioDynamicConfigPublicFallback is spec.md §8 scenario 3.
func TestSpecScenarioDynamicConfigPublicFallback(t *testing.T) {
	store := newTestStore()
	store.dynamicConfigs["my_config"] = mustSpec(t, ConfigSpec{
		Name: "my_config", Type: string(KindDynamicConfig), Enabled: true,
		DefaultValue: []byte(`{}`),
		Rules: []ConfigRule{
			{
				ID:             "rule_id_config",
				PassPercentage: 100,
				Conditions:     []ConfigCondition{{Type: "user_field", Field: "level", Operator: "gte", TargetValue: float64(9)}},
				ReturnValue:    []byte(`{"level_based":true}`),
			},
			{
				ID:             "rule_id_config_public",
				PassPercentage: 100,
				Conditions:     []ConfigCondition{{Type: "public"}},
				ReturnValue:    []byte(`{}`),
			},
		},
	})
	e := NewEvaluator(store, nil, nil)

	highLevel := e.GetConfig(User{UserID: "jkw", Custom: map[string]interface{}{"level": 10}}, "my_config")
	if highLevel.RuleID != "rule_id_config" {
		t.Errorf("expected the level-gated rule to decide, got ruleID %s", highLevel.RuleID)
	}
	value, _ := highLevel.Value.(map[string]interface{})
	if value["level_based"] != true {
		t.Errorf("expected the level-gated rule's return value, got %v", highLevel.Value)
	}

	lowLevel := e.GetConfig(User{UserID: "jkw2", Custom: map[string]interface{}{"level": 5}}, "my_config")
	if lowLevel.RuleID != "rule_id_config_public" {
		t.Errorf("expected the public fallback rule to decide, got ruleID %s", lowLevel.RuleID)
	}
}

func TestMultiGateConditions(t *testing.T) {
	store := newTestStore()
	store.featureGates["dep_a"] = mustSpec(t, ConfigSpec{
		Name: "dep_a", Type: string(KindFeatureGate), Enabled: true,
		Rules: []ConfigRule{{ID: "r1", PassPercentage: 100, Conditions: []ConfigCondition{{Type: "public"}}}},
	})
	store.featureGates["dep_b"] = mustSpec(t, ConfigSpec{
		Name: "dep_b", Type: string(KindFeatureGate), Enabled: false,
	})
	store.featureGates["combo"] = mustSpec(t, ConfigSpec{
		Name: "combo", Type: string(KindFeatureGate), Enabled: true,
		Rules: []ConfigRule{
			{
				ID:             "r1",
				PassPercentage: 100,
				Conditions: []ConfigCondition{
					{Type: "multi_pass_gate", TargetValue: []interface{}{"dep_a"}},
				},
			},
			{
				ID:             "r2",
				PassPercentage: 100,
				Conditions: []ConfigCondition{
					{Type: "multi_fail_gate", TargetValue: []interface{}{"dep_b"}},
				},
			},
		},
	})
	e := NewEvaluator(store, nil, nil)
	result := e.CheckGate(User{UserID: "u1"}, "combo")
	if v, _ := result.Value.(bool); !v {
		t.Error("expected combo gate to pass via its first rule (dep_a passes)")
	}
	if len(result.SecondaryExposures) == 0 {
		t.Error("expected a secondary exposure recorded for the nested gate check")
	}
}
