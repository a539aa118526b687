package delivery

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/flowmesh-io/gateway/internal/types"
)

// Matches reports whether endpoint's filter (event-type/channel
// allow-lists plus an optional compound predicate) accepts event.
func Matches(ep types.DeliveryEndpoint, event types.Event) bool {
	if len(ep.EventTypes) > 0 && !containsString(ep.EventTypes, event.Type) {
		return false
	}
	if len(ep.Channels) > 0 && !containsString(ep.Channels, event.Channel) {
		return false
	}
	if ep.Filter == nil {
		return true
	}
	return evalNode(*ep.Filter, event)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func evalNode(node types.FilterNode, event types.Event) bool {
	if node.Condition != nil {
		return evalCondition(*node.Condition, event)
	}
	if len(node.And) > 0 {
		for _, child := range node.And {
			if !evalNode(child, event) {
				return false
			}
		}
		return true
	}
	if len(node.Or) > 0 {
		for _, child := range node.Or {
			if evalNode(child, event) {
				return true
			}
		}
		return false
	}
	return true
}

// fieldValue resolves a path against the event's JSON payload. Paths
// starting with "$" use JSONPath (PaesslerAG/jsonpath); anything else is
// treated as a gjson dot-path for the common case.
func fieldValue(path string, payload []byte) (interface{}, bool) {
	if strings.HasPrefix(path, "$") {
		var doc interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, false
		}
		v, err := jsonpath.Get(path, doc)
		if err != nil {
			return nil, false
		}
		return v, true
	}
	res := gjson.GetBytes(payload, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func evalCondition(cond types.FilterCondition, event types.Event) bool {
	actual, ok := fieldValue(cond.Path, event.Payload)
	if !ok {
		return false
	}

	switch cond.Op {
	case types.FilterEquals:
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", cond.Value)
	case types.FilterContains:
		return strings.Contains(toString(actual), toString(cond.Value))
	case types.FilterStartsWith:
		return strings.HasPrefix(toString(actual), toString(cond.Value))
	case types.FilterEndsWith:
		return strings.HasSuffix(toString(actual), toString(cond.Value))
	case types.FilterRegex:
		re, err := regexp.Compile(toString(cond.Value))
		if err != nil {
			return false
		}
		return re.MatchString(toString(actual))
	case types.FilterGT:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case types.FilterLT:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	default:
		return false
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
