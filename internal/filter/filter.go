// Package filter evaluates MongoDB-style filter trees against documents.
package filter

import (
	"regexp"
	"strings"

	"github.com/cuemby/docstore/internal/dberr"
	"github.com/cuemby/docstore/internal/model"
)

// Filter is a decoded filter tree: a map from field path or $-operator to
// its argument.
type Filter map[string]interface{}

var fieldOperators = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true, "$exists": true, "$regex": true,
}

// Matches reports whether data satisfies f. An empty filter matches every
// document.
func Matches(f Filter, data map[string]interface{}) (bool, error) {
	for key, arg := range f {
		var ok bool
		var err error
		switch key {
		case "$and":
			ok, err = evalAnd(arg, data)
		case "$or":
			ok, err = evalOr(arg, data)
		case "$nor":
			ok, err = evalNor(arg, data)
		case "$not":
			ok, err = evalNot(arg, data)
		default:
			ok, err = evalField(key, arg, data)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func asSubfilters(arg interface{}) ([]Filter, error) {
	arr, ok := arg.([]interface{})
	if !ok {
		return nil, dberr.New(dberr.FilterInvalid, "logical operator expects an array of subfilters")
	}
	out := make([]Filter, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, dberr.New(dberr.FilterInvalid, "subfilter must be an object")
		}
		out = append(out, Filter(m))
	}
	return out, nil
}

func evalAnd(arg interface{}, data map[string]interface{}) (bool, error) {
	subs, err := asSubfilters(arg)
	if err != nil {
		return false, err
	}
	for _, s := range subs {
		ok, err := Matches(s, data)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalOr(arg interface{}, data map[string]interface{}) (bool, error) {
	subs, err := asSubfilters(arg)
	if err != nil {
		return false, err
	}
	for _, s := range subs {
		ok, err := Matches(s, data)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalNor(arg interface{}, data map[string]interface{}) (bool, error) {
	ok, err := evalOr(arg, data)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func evalNot(arg interface{}, data map[string]interface{}) (bool, error) {
	m, ok := arg.(map[string]interface{})
	if !ok {
		return false, dberr.New(dberr.FilterInvalid, "$not expects a single subfilter object")
	}
	matched, err := Matches(Filter(m), data)
	if err != nil {
		return false, err
	}
	return !matched, nil
}

func evalField(path string, arg interface{}, data map[string]interface{}) (bool, error) {
	value, present := model.Resolve(data, path)
	if !present {
		value = nil
	}

	ops, isOps := arg.(map[string]interface{})
	if !isOps {
		return equalValues(value, arg), nil
	}

	for op, opArg := range ops {
		if !fieldOperators[op] {
			return false, dberr.Newf(dberr.FilterInvalid, "unknown operator %q", op)
		}
		ok, err := evalOperator(op, value, present, opArg)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalOperator(op string, value interface{}, present bool, arg interface{}) (bool, error) {
	switch op {
	case "$eq":
		return equalValues(value, arg), nil
	case "$ne":
		return !equalValues(value, arg), nil
	case "$gt":
		c, ok := compare(value, arg)
		return ok && c > 0, nil
	case "$gte":
		c, ok := compare(value, arg)
		return ok && c >= 0, nil
	case "$lt":
		c, ok := compare(value, arg)
		return ok && c < 0, nil
	case "$lte":
		c, ok := compare(value, arg)
		return ok && c <= 0, nil
	case "$in":
		arr, ok := arg.([]interface{})
		if !ok {
			return false, dberr.New(dberr.FilterInvalid, "$in expects an array")
		}
		for _, v := range arr {
			if equalValues(value, v) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		arr, ok := arg.([]interface{})
		if !ok {
			return false, dberr.New(dberr.FilterInvalid, "$nin expects an array")
		}
		for _, v := range arr {
			if equalValues(value, v) {
				return false, nil
			}
		}
		return true, nil
	case "$exists":
		want, _ := arg.(bool)
		has := present && value != nil
		return has == want, nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return false, dberr.New(dberr.FilterInvalid, "$regex expects a string pattern")
		}
		str, ok := value.(string)
		if !ok {
			return false, nil
		}
		return wildcardMatch(pattern, str), nil
	default:
		return false, dberr.Newf(dberr.FilterInvalid, "unknown operator %q", op)
	}
}

// equalValues implements JSON value equality with integer<->float
// promotion when both sides are numeric; null == null is true.
func equalValues(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	an, aNum := asNumber(a)
	bn, bNum := asNumber(b)
	if aNum && bNum {
		return an == bn
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	ab, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool && bBool {
		return ab == bb
	}
	if arrA, ok := a.([]interface{}); ok {
		arrB, ok := b.([]interface{})
		if !ok || len(arrA) != len(arrB) {
			return false
		}
		for i := range arrA {
			if !equalValues(arrA[i], arrB[i]) {
				return false
			}
		}
		return true
	}
	if objA, ok := a.(map[string]interface{}); ok {
		objB, ok := b.(map[string]interface{})
		if !ok || len(objA) != len(objB) {
			return false
		}
		for k, va := range objA {
			vb, present := objB[k]
			if !present || !equalValues(va, vb) {
				return false
			}
		}
		return true
	}
	return false
}

// compare returns (result, comparable). Ordering is false (incomparable)
// when either side is null or the types are incompatible.
func compare(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	an, aNum := asNumber(a)
	bn, bNum := asNumber(b)
	if aNum && bNum {
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// wildcardMatch implements the spec's simple wildcard syntax: '*' matches
// any substring, '?' matches a single character, case-insensitive.
// Patterns without wildcards fall back to a case-insensitive substring
// match.
func wildcardMatch(pattern, s string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return strings.Contains(strings.ToLower(s), strings.ToLower(pattern))
	}
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
