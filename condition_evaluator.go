package flagcore

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// conditionResult is the outcome of evaluating a single ConfigCondition.
type conditionResult struct {
	Pass       bool
	Unresolved bool // condition type/operator not recognized; fails closed
	Exposures  []SecondaryExposure
}

// SecondaryExposure records a nested gate check performed while resolving
// pass_gate/fail_gate/multi_pass_gate/multi_fail_gate conditions, so callers
// above this package can log it alongside the primary exposure.
type SecondaryExposure struct {
	Gate      string `json:"gate"`
	GateValue string `json:"gateValue"`
	RuleID    string `json:"ruleID"`
}

const maxGateRecursionDepth = 20

// evalCondition evaluates one condition against user, within the context of
// the spec/rule it belongs to (needed for salt fallback and recursive gate
// checks). depth bounds pass_gate/fail_gate recursion (SPEC_FULL.md §9).
func (e *Evaluator) evalCondition(user User, cond ConfigCondition, spec ConfigSpec, depth int) conditionResult {
	condType := lower(cond.Type)
	op := lower(cond.Operator)

	switch condType {
	case "public":
		return conditionResult{Pass: true}

	case "fail_gate", "pass_gate":
		name, ok := cond.TargetValue.(string)
		if !ok {
			return conditionResult{Pass: false}
		}
		return e.evalGateCondition(user, []string{name}, condType == "pass_gate", depth)

	case "multi_pass_gate", "multi_fail_gate":
		names := stringSlice(cond.TargetValue)
		return e.evalGateCondition(user, names, condType == "multi_pass_gate", depth)

	case "in_segment_list", "not_in_segment_list":
		listName, ok := cond.TargetValue.(string)
		if !ok {
			return conditionResult{Unresolved: true}
		}
		list, ok := e.store.getIDList(listName)
		if !ok {
			return conditionResult{Pass: condType == "not_in_segment_list"}
		}
		value, ok := getFromUser(user, cond.Field).(string)
		if !ok || value == "" {
			return conditionResult{Pass: condType == "not_in_segment_list"}
		}
		member := list.Contains(segmentListKey(value))
		if condType == "not_in_segment_list" {
			return conditionResult{Pass: !member}
		}
		return conditionResult{Pass: member}
	}

	var value interface{}
	switch condType {
	case "ip_based":
		value = getFromUser(user, cond.Field)
		if isEmpty(value) {
			value = e.countryLookup.LookupField(user, cond.Field)
		}
	case "ua_based":
		value = getFromUser(user, cond.Field)
		if isEmpty(value) {
			value = e.uaParser.LookupField(user, cond.Field)
		}
	case "user_field":
		value = getFromUser(user, cond.Field)
	case "currency_code":
		value = getFromUser(user, cond.Field)
	case "environment_field":
		value = getFromEnvironment(user, cond.Field)
	case "unit_id":
		value = unitID(user, cond.IDType)
	case "user_bucket":
		salt := spec.Salt
		if s, ok := cond.AdditionalValues["salt"].(string); ok && s != "" {
			salt = s
		}
		value = userBucketValue(salt, user, cond.IDType)
	case "current_time":
		value = now().Unix()
	default:
		return conditionResult{Unresolved: true}
	}

	pass, recognized := evalOperator(op, value, cond.TargetValue)
	if !recognized {
		return conditionResult{Unresolved: true}
	}
	return conditionResult{Pass: pass}
}

// evalGateCondition resolves a dependency on one or more other gates,
// accumulating the inner evaluations' exposures.
func (e *Evaluator) evalGateCondition(user User, names []string, wantPass bool, depth int) conditionResult {
	if depth > maxGateRecursionDepth {
		return conditionResult{Unresolved: true}
	}
	var exposures []SecondaryExposure
	outcome := true // multi_pass_gate: all must pass; multi_fail_gate: all must fail
	for _, name := range names {
		result := e.checkGateAtDepth(user, name, depth+1)
		passed, _ := result.Value.(bool)
		exposures = append(exposures, result.SecondaryExposures...)
		exposures = append(exposures, SecondaryExposure{
			Gate:      name,
			GateValue: strconv.FormatBool(passed),
			RuleID:    result.RuleID,
		})
		if wantPass && !passed {
			outcome = false
		}
		if !wantPass && passed {
			outcome = false
		}
	}
	return conditionResult{Pass: outcome, Exposures: exposures}
}

func evalOperator(op string, value, target interface{}) (pass bool, recognized bool) {
	switch op {
	case "gt":
		return compareNumbers(value, target, func(x, y float64) bool { return x > y }), true
	case "gte":
		return compareNumbers(value, target, func(x, y float64) bool { return x >= y }), true
	case "lt":
		return compareNumbers(value, target, func(x, y float64) bool { return x < y }), true
	case "lte":
		return compareNumbers(value, target, func(x, y float64) bool { return x <= y }), true

	case "version_gt":
		return compareVersions(value, target, func(a, b string) bool { return compareVersionParts(a, b) > 0 }), true
	case "version_gte":
		return compareVersions(value, target, func(a, b string) bool { return compareVersionParts(a, b) >= 0 }), true
	case "version_lt":
		return compareVersions(value, target, func(a, b string) bool { return compareVersionParts(a, b) < 0 }), true
	case "version_lte":
		return compareVersions(value, target, func(a, b string) bool { return compareVersionParts(a, b) <= 0 }), true
	case "version_eq":
		return compareVersions(value, target, func(a, b string) bool { return compareVersionParts(a, b) == 0 }), true
	case "version_neq":
		return compareVersions(value, target, func(a, b string) bool { return compareVersionParts(a, b) != 0 }), true

	case "any":
		return arrayAny(target, value, func(a, b interface{}) bool { return compareStrings(a, b, true, equalStrings) }), true
	case "none":
		return !arrayAny(target, value, func(a, b interface{}) bool { return compareStrings(a, b, true, equalStrings) }), true
	case "any_case_sensitive":
		return arrayAny(target, value, func(a, b interface{}) bool { return compareStrings(a, b, false, equalStrings) }), true
	case "none_case_sensitive":
		return !arrayAny(target, value, func(a, b interface{}) bool { return compareStrings(a, b, false, equalStrings) }), true

	case "str_starts_with_any":
		return arrayAny(target, value, func(a, b interface{}) bool { return compareStrings(a, b, true, strings.HasPrefix) }), true
	case "str_ends_with_any":
		return arrayAny(target, value, func(a, b interface{}) bool { return compareStrings(a, b, true, strings.HasSuffix) }), true
	case "str_contains_any":
		return arrayAny(target, value, func(a, b interface{}) bool { return compareStrings(a, b, true, strings.Contains) }), true
	case "str_contains_none":
		return !arrayAny(target, value, func(a, b interface{}) bool { return compareStrings(a, b, true, strings.Contains) }), true
	case "str_matches":
		pattern, ok1 := target.(string)
		input, ok2 := value.(string)
		if !ok1 || !ok2 {
			return false, true
		}
		matched, err := regexp.MatchString(pattern, input)
		return err == nil && matched, true

	case "eq", "neq":
		var equal bool
		if target == nil {
			equal = value == nil || value == ""
		} else {
			equal = reflect.DeepEqual(value, target)
		}
		if op == "eq" {
			return equal, true
		}
		return !equal, true

	case "before":
		return parseTime(value).Before(parseTime(target)), true
	case "after":
		return parseTime(value).After(parseTime(target)), true
	case "on":
		y1, m1, d1 := parseTime(value).Date()
		y2, m2, d2 := parseTime(target).Date()
		return y1 == y2 && m1 == m2 && d1 == d2, true

	default:
		return false, false
	}
}

func equalStrings(a, b string) bool { return a == b }

func getFromUser(user User, field string) interface{} {
	var value interface{}
	switch lower(field) {
	case "userid", "user_id":
		value = user.UserID
	case "email":
		value = user.Email
	case "ip", "ipaddress", "ip_address":
		value = user.IPAddress
	case "useragent", "user_agent":
		value = user.UserAgent
	case "country":
		value = user.Country
	case "locale":
		value = user.Locale
	case "appversion", "app_version":
		value = user.AppVersion
	}

	if isEmpty(value) {
		if user.PrivateAttributes != nil {
			if v, ok := user.PrivateAttributes[field]; ok {
				return v
			}
			if v, ok := user.PrivateAttributes[lower(field)]; ok {
				return v
			}
		}
		if v, ok := user.Custom[field]; ok {
			return v
		}
		if v, ok := user.Custom[lower(field)]; ok {
			return v
		}
	}
	return value
}

func getFromEnvironment(user User, field string) string {
	if v, ok := user.StatsigEnvironment[field]; ok {
		return v
	}
	return user.StatsigEnvironment[lower(field)]
}

func isEmpty(v interface{}) bool {
	return v == nil || v == ""
}

func stringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getNumericValue(a interface{}) (float64, bool) {
	switch v := a.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumbers(a, b interface{}, fn func(x, y float64) bool) bool {
	numA, okA := getNumericValue(a)
	numB, okB := getNumericValue(b)
	if !okA || !okB {
		return false
	}
	return fn(numA, numB)
}

func compareStrings(a, b interface{}, ignoreCase bool, fn func(x, y string) bool) bool {
	if a == nil || b == nil {
		return false
	}
	str1, str2 := toComparableString(a), toComparableString(b)
	if ignoreCase {
		return fn(lower(str1), lower(str2))
	}
	return fn(str1, str2)
}

func toComparableString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func arrayAny(arr interface{}, val interface{}, fn func(x, y interface{}) bool) bool {
	array, ok := arr.([]interface{})
	if !ok {
		return false
	}
	for _, item := range array {
		if fn(val, item) {
			return true
		}
	}
	return false
}

func compareVersionParts(v1, v2 string) int {
	p1 := strings.Split(v1, ".")
	p2 := strings.Split(v2, ".")
	n := len(p1)
	if len(p2) > n {
		n = len(p2)
	}
	for i := 0; i < n; i++ {
		a, b := "0", "0"
		if i < len(p1) {
			a = p1[i]
		}
		if i < len(p2) {
			b = p2[i]
		}
		na, _ := strconv.ParseInt(a, 10, 64)
		nb, _ := strconv.ParseInt(b, 10, 64)
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func compareVersions(a, b interface{}, fn func(x, y string) bool) bool {
	strA, okA := a.(string)
	strB, okB := b.(string)
	if !okA || !okB {
		return false
	}
	v1 := strings.Split(strA, "-")[0]
	v2 := strings.Split(strB, "-")[0]
	if v1 == "" || v2 == "" {
		return false
	}
	return fn(v1, v2)
}

// parseTime interprets a as a UTC timestamp, auto-detecting second vs
// millisecond epochs the way the wire format from the config service does:
// values far enough in the future to not plausibly be seconds are treated
// as milliseconds.
func parseTime(a interface{}) time.Time {
	var sec int64
	switch v := a.(type) {
	case float64:
		sec = int64(v)
	case int64:
		sec = v
	case int32:
		sec = int64(v)
	case int:
		sec = int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}
		}
		sec = n
	default:
		return time.Time{}
	}
	asSeconds := time.Unix(sec, 0).UTC()
	if asSeconds.Year() > now().Year()+100 {
		return time.Unix(sec/1000, 0).UTC()
	}
	return asSeconds
}
