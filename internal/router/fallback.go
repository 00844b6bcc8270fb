package router

import (
	"regexp"
	"strings"
	"time"

	"github.com/DatanoiseTV/tabitha/internal/types"
)

// leadingRules map the utterance's leading words to an intent. Order
// matters: the first match wins.
var leadingRules = []struct {
	re   *regexp.Regexp
	kind types.IntentKind
}{
	{regexp.MustCompile(`^(what|how|when|where|which|who|why)\b`), types.IntentAsk},
	{regexp.MustCompile(`^(reopen|restore|undo close|bring back)\b`), types.IntentReopen},
	{regexp.MustCompile(`^unmute\b`), types.IntentUnmute},
	{regexp.MustCompile(`^(mute|silence)\b`), types.IntentMute},
	{regexp.MustCompile(`^unpin\b`), types.IntentUnpin},
	{regexp.MustCompile(`^pin\b`), types.IntentPin},
	{regexp.MustCompile(`^(reload|refresh)\b`), types.IntentReload},
	{regexp.MustCompile(`^(discard|suspend|unload)\b`), types.IntentDiscard},
	{regexp.MustCompile(`^(open|go to|jump to|switch to|take me to|focus)\b`), types.IntentOpen},
	{regexp.MustCompile(`^(close|remove|delete|kill)\b`), types.IntentClose},
	{regexp.MustCompile(`^(find|locate|search for|search|where)\b`), types.IntentFindOpen},
	{regexp.MustCompile(`^(save|bookmark)\b`), types.IntentSave},
	{regexp.MustCompile(`^(list|show|display)\b`), types.IntentList},
}

var (
	reExcept    = regexp.MustCompile(`\b(?:except|but not|but|other than|besides|apart from)\s+(.+)$`)
	reGroupOp   = regexp.MustCompile(`^(collapse|expand|rename|move)\b`)
	reRenameTo  = regexp.MustCompile(`^rename (?:the )?(.+?) group to (.+)$`)
	reMoveGroup = regexp.MustCompile(`^move (?:the )?(.+?) group to (?:a )?new window$`)
	reGroupTail = regexp.MustCompile(`^(?:the )?(.+?) group$`)
	reSaveAs    = regexp.MustCompile(`\s+(?:as|to|into|in) (?:a |the )?(?:folder |group )?(?:called |named )?(.+)$`)
)

var fillerWords = map[string]struct{}{
	"my": {}, "the": {}, "a": {}, "an": {}, "all": {}, "every": {}, "any": {},
	"please": {}, "me": {}, "up": {}, "tab": {}, "tabs": {}, "page": {}, "pages": {},
	"of": {}, "and": {}, "other": {}, "others": {},
}

// Fallback builds an intent from leading-word rules alone. It never fails;
// unrecognized text becomes a find_open that asks for disambiguation.
func Fallback(text string, aliases *Aliases, now time.Time) types.Intent {
	canonical := types.CanonicalizeQuery(text)
	intent := types.Intent{Kind: types.IntentFindOpen, Fallback: true}

	rest := canonical
	matched := false
	for _, r := range leadingRules {
		if loc := r.re.FindStringIndex(canonical); loc != nil {
			intent.Kind = r.kind
			rest = strings.TrimSpace(canonical[loc[1]:])
			matched = true
			break
		}
	}
	if !matched {
		intent.DisambiguationNeeded = true
		if reGroupOp.MatchString(canonical) {
			applyGroupOperation(&intent, canonical)
		}
	}

	switch {
	case intent.Kind == types.IntentAsk:
		intent.CanonicalQuery = canonical
	case intent.Operation != types.OperationNone:
		// applyGroupOperation already set the query to the group name
	default:
		if intent.Kind == types.IntentSave {
			if m := reSaveAs.FindStringSubmatch(rest); m != nil {
				intent.FolderName = strings.TrimSpace(m[1])
				rest = strings.TrimSpace(rest[:len(rest)-len(m[0])])
			}
		}
		if m := reExcept.FindStringSubmatch(rest); m != nil {
			for _, app := range splitApps(m[1]) {
				intent.Constraints.ExcludeApps = append(intent.Constraints.ExcludeApps, aliases.Resolve(app))
			}
			rest = strings.TrimSpace(rest[:len(rest)-len(m[0])])
		}
		rest = stripFiller(rest)
		if m := reGroupTail.FindStringSubmatch(rest); m != nil {
			intent.Constraints.Scope = types.ScopeGroup
			intent.Constraints.Group = m[1]
			rest = m[1]
		}
		intent.CanonicalQuery = rest
	}

	if intent.Kind.BulkTabMutation() || intent.Kind == types.IntentClose {
		// app names in a bulk command are filters, not search text
		if domains, remaining := aliases.Find(intent.CanonicalQuery); len(domains) > 0 {
			intent.Constraints.IncludeApps = append(intent.Constraints.IncludeApps, domains...)
			if remaining != "" {
				intent.CanonicalQuery = remaining
			}
		}
	} else if domains, _ := aliases.Find(intent.CanonicalQuery); len(domains) > 0 {
		intent.Constraints.IncludeApps = append(intent.Constraints.IncludeApps, domains...)
	}

	applyTime(&intent, text, now)
	ensureArrays(&intent)
	return intent
}

func applyGroupOperation(intent *types.Intent, canonical string) {
	intent.Constraints.Scope = types.ScopeGroup
	intent.DisambiguationNeeded = false
	switch {
	case strings.HasPrefix(canonical, "collapse"):
		intent.Operation = types.OperationCollapse
		intent.Constraints.Group = groupName(strings.TrimPrefix(canonical, "collapse"))
	case strings.HasPrefix(canonical, "expand"):
		intent.Operation = types.OperationExpand
		intent.Constraints.Group = groupName(strings.TrimPrefix(canonical, "expand"))
	default:
		if m := reRenameTo.FindStringSubmatch(canonical); m != nil {
			intent.Operation = types.OperationRename
			intent.Constraints.Group = m[1]
			intent.OperationArgs = &types.OperationArgs{NewName: m[2]}
		} else if m := reMoveGroup.FindStringSubmatch(canonical); m != nil {
			intent.Operation = types.OperationMoveToWindow
			intent.Constraints.Group = m[1]
			intent.OperationArgs = &types.OperationArgs{NewWindow: true}
		} else {
			intent.Constraints.Scope = types.ScopeNone
			intent.DisambiguationNeeded = true
		}
	}
	intent.CanonicalQuery = intent.Constraints.Group
}

func groupName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "the ")
	s = strings.TrimSuffix(s, " group")
	return strings.TrimSpace(s)
}

func splitApps(s string) []string {
	s = strings.ReplaceAll(s, " and ", ",")
	s = strings.ReplaceAll(s, " or ", ",")
	var apps []string
	for _, part := range strings.Split(s, ",") {
		part = stripFiller(strings.TrimSpace(part))
		if part != "" {
			apps = append(apps, part)
		}
	}
	return apps
}

func stripFiller(s string) string {
	var kept []string
	for _, w := range strings.Fields(s) {
		if _, ok := fillerWords[w]; !ok {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}
