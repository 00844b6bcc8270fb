package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DatanoiseTV/tabitha/internal/types"
)

// Normalize validates a model's JSON output and turns it into an Intent.
// Legacy field names are coerced, enums are checked, app names are resolved
// to domains, and temporal gating is applied against the original text.
func Normalize(raw []byte, text string, aliases *Aliases, now time.Time) (types.Intent, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return types.Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	if m == nil {
		return types.Intent{}, fmt.Errorf("intent is not an object")
	}
	c, _ := m["constraints"].(map[string]any)
	if c == nil {
		c = map[string]any{}
	}
	// fields may appear at the top level or inside constraints
	lookup := func(keys ...string) (any, bool) {
		for _, k := range keys {
			if v, ok := c[k]; ok && v != nil {
				return v, true
			}
			if v, ok := m[k]; ok && v != nil {
				return v, true
			}
		}
		return nil, false
	}

	var intent types.Intent
	kind, _ := m["intent"].(string)
	intent.Kind = types.IntentKind(strings.ToLower(strings.TrimSpace(kind)))
	if !intent.Kind.Valid() {
		intent.Kind = types.IntentFindOpen
		intent.Notes = joinNote(intent.Notes, fmt.Sprintf("invalid intent %q", kind))
	}

	if q, ok := lookup("canonical_query", "query"); ok {
		intent.CanonicalQuery = types.CanonicalizeQuery(fmt.Sprint(q))
	}

	if v, ok := lookup("scope"); ok {
		intent.Constraints.Scope = types.Scope(strings.ToLower(fmt.Sprint(v)))
	}
	if !intent.Constraints.Scope.Valid() {
		intent.Constraints.Scope = types.ScopeNone
	}
	if v, ok := m["operation"].(string); ok {
		intent.Operation = types.Operation(strings.ToLower(v))
	}
	if !intent.Operation.Valid() {
		intent.Operation = types.OperationNone
	}
	if v, ok := m["operation_args"].(map[string]any); ok {
		args := &types.OperationArgs{}
		if s, ok := v["newName"].(string); ok {
			args.NewName = s
		}
		if n, ok := v["windowId"].(float64); ok {
			args.WindowID = int(n)
		}
		if b, ok := v["newWindow"].(bool); ok {
			args.NewWindow = b
		}
		intent.OperationArgs = args
	}

	if v, ok := lookup("includeApps", "app", "apps"); ok {
		for _, app := range stringList(v) {
			intent.Constraints.IncludeApps = appendUnique(intent.Constraints.IncludeApps, aliases.Resolve(app))
		}
	}
	if v, ok := lookup("excludeApps", "exclude"); ok {
		for _, app := range stringList(v) {
			intent.Constraints.ExcludeApps = appendUnique(intent.Constraints.ExcludeApps, aliases.Resolve(app))
		}
	}
	if v, ok := lookup("group"); ok {
		intent.Constraints.Group = strings.TrimSpace(fmt.Sprint(v))
	}
	if v, ok := lookup("limit"); ok {
		if n, ok := v.(float64); ok && n > 0 {
			intent.Constraints.Limit = int(n)
		}
	}
	if v, ok := lookup("dateRange"); ok {
		if r, ok := v.(map[string]any); ok {
			rng := &types.DateRange{Since: parseDate(r["since"], now), Until: parseDate(r["until"], now)}
			if !rng.Since.IsZero() || !rng.Until.IsZero() {
				intent.Constraints.DateRange = rng
			}
		}
	}

	if v, ok := m["folderName"].(string); ok {
		intent.FolderName = strings.TrimSpace(v)
	}
	if v, ok := m["disambiguationNeeded"].(bool); ok {
		intent.DisambiguationNeeded = v
	} else if v, ok := m["disambiguationOkay"].(bool); ok {
		intent.DisambiguationNeeded = !v
	}
	if v, ok := m["hints"]; ok {
		intent.Hints = stringList(v)
	}
	if v, ok := m["anaphora_of"].(string); ok {
		intent.AnaphoraOf = v
	}
	if v, ok := m["notes"].(string); ok {
		intent.Notes = joinNote(intent.Notes, v)
	}
	if v, ok := m["time_reason"].(string); ok {
		intent.TimeReason = v
	}

	applyTime(&intent, text, now)
	ensureArrays(&intent)
	return intent, nil
}

// applyTime gates live-tab scoping on the presence of a temporal phrase.
// Without one the intent addresses open tabs only and any model-supplied
// date range is dropped.
func applyTime(intent *types.Intent, text string, now time.Time) {
	rng, phrase := DetectTime(text, now)
	if rng == nil {
		rng, phrase = DetectTime(intent.CanonicalQuery, now)
	}
	if rng == nil {
		intent.Constraints.ResultMustBeOpen = true
		intent.Constraints.DateRange = nil
		intent.TimeReason = ""
		return
	}
	intent.Constraints.ResultMustBeOpen = false
	if intent.Constraints.DateRange == nil || intent.Constraints.DateRange.Since.IsZero() {
		intent.Constraints.DateRange = rng
	}
	if intent.TimeReason == "" {
		intent.TimeReason = fmt.Sprintf("mentions %q", phrase)
	}
}

func ensureArrays(intent *types.Intent) {
	if intent.Constraints.IncludeApps == nil {
		intent.Constraints.IncludeApps = []string{}
	}
	if intent.Constraints.ExcludeApps == nil {
		intent.Constraints.ExcludeApps = []string{}
	}
}

// parseDate accepts ISO strings and numeric epochs (milliseconds, or
// seconds when the value is too small to be milliseconds).
func parseDate(v any, now time.Time) time.Time {
	switch x := v.(type) {
	case float64:
		return epoch(int64(x))
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return time.Time{}
		}
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return epoch(n)
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.ParseInLocation(layout, x, now.Location()); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func epoch(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n < 1e11 {
		return time.Unix(n, 0)
	}
	return time.UnixMilli(n)
}

func stringList(v any) []string {
	switch x := v.(type) {
	case string:
		var out []string
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		var out []string
		for _, e := range x {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, e := range list {
		if e == s {
			return list
		}
	}
	return append(list, s)
}

func joinNote(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}
