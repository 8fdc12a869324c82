// Package cleaner strips engine bookkeeping from task result payloads and
// masks secret-looking values before they are serialized.
package cleaner

import (
	"reflect"
	"sort"
	"strings"

	"github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/pkg/jsonl/v1/value"
)

const (
	// AllActions is the denylist key applied to every action.
	AllActions = "*"

	// RedactedValue replaces values stored under a sensitive key.
	RedactedValue = "[REDACTED]"
	// RedactedSecretValue replaces strings containing a tracked secret.
	RedactedSecretValue = "[REDACTED_SECRET]"

	// DefaultNoLogKey marks a result whose content must be hidden entirely.
	DefaultNoLogKey = "_ansible_no_log"
	// CensoredMessage replaces a no_log result.
	CensoredMessage = "the output has been hidden due to the fact that 'no_log: true' was specified for this result"
)

// DefaultDenylist lists the keys removed per action when no denylist is configured.
func DefaultDenylist() map[string][]string {
	return map[string][]string{
		AllActions: {
			"_ansible_no_log",
			"_ansible_verbose_always",
			"_ansible_verbose_override",
			"_ansible_item_label",
			"_ansible_ignore_errors",
			"_ansible_parsed",
			"_ansible_delegated_vars",
		},
		"debug": {"changed", "failed", "skipped", "invocation", "skip_reason"},
	}
}

// DefaultRedactedKeywords lists key names whose values are always masked.
func DefaultRedactedKeywords() []string {
	return []string{"password", "passwd", "token", "secret", "apikey", "api_key", "privatekey", "private_key", "authorization"}
}

// Config configures a Cleaner. Zero values select the defaults above, except
// Tracker which is optional.
type Config struct {
	Denylist         map[string][]string
	RedactedKeywords []string
	Tracker          *secrets.SecretTracker
	NoLogKey         string
}

// Cleaner is immutable after construction and safe for concurrent use.
type Cleaner struct {
	denylist map[string]map[string]struct{}
	keywords map[string]struct{}
	tracker  *secrets.SecretTracker
	noLogKey string
}

// New builds a Cleaner from cfg.
func New(cfg Config) *Cleaner {
	deny := cfg.Denylist
	if deny == nil {
		deny = DefaultDenylist()
	}
	keywords := cfg.RedactedKeywords
	if keywords == nil {
		keywords = DefaultRedactedKeywords()
	}
	c := &Cleaner{
		denylist: make(map[string]map[string]struct{}, len(deny)),
		keywords: make(map[string]struct{}, len(keywords)),
		tracker:  cfg.Tracker,
		noLogKey: cfg.NoLogKey,
	}
	if c.noLogKey == "" {
		c.noLogKey = DefaultNoLogKey
	}
	for action, keys := range deny {
		set := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		c.denylist[strings.TrimSpace(action)] = set
	}
	for _, k := range keywords {
		if kw := strings.ToLower(strings.TrimSpace(k)); kw != "" {
			c.keywords[kw] = struct{}{}
		}
	}
	return c
}

// Denylist returns the sorted keys removed for action: the keys listed under
// AllActions plus those listed under action itself.
func (c *Cleaner) Denylist(action string) []string {
	merged := make(map[string]struct{})
	for k := range c.denylist[AllActions] {
		merged[k] = struct{}{}
	}
	if action != AllActions {
		for k := range c.denylist[action] {
			merged[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(merged))
	for k := range merged {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Result reports what Clean did, for metrics.
type Result struct {
	Removed  int
	Redacted int
	Censored bool
}

// Clean returns a new mapping with the action's denylisted keys removed and
// sensitive values masked. The input is never modified; the result may share
// unchanged subtrees with it. Clean cannot fail: shapes it does not understand
// pass through untouched.
func (c *Cleaner) Clean(result value.Mapping, action string) value.Mapping {
	out, _ := c.CleanWithReport(result, action)
	return out
}

// CleanWithReport is Clean plus counters describing the changes.
func (c *Cleaner) CleanWithReport(result value.Mapping, action string) (value.Mapping, Result) {
	var rep Result
	if result == nil {
		return value.Mapping{}, rep
	}

	if noLog, ok := result[c.noLogKey].(value.Bool); ok && bool(noLog) {
		censored := value.Mapping{"censored": value.String(CensoredMessage)}
		if changed, ok := result["changed"]; ok {
			censored["changed"] = changed
		}
		rep.Censored = true
		return censored, rep
	}

	deny := c.Denylist(action)
	stripped := result.Without(deny...)
	rep.Removed = len(result) - len(stripped)

	w := &walker{cleaner: c, onPath: make(map[containerID]struct{})}
	masked := w.mapping(stripped)
	rep.Redacted = w.redacted
	return masked, rep
}

// Mask applies only the value masking of Clean: no keys are removed and
// no_log is ignored. It is used for play variables.
func (c *Cleaner) Mask(m value.Mapping) (value.Mapping, int) {
	if m == nil {
		return nil, 0
	}
	w := &walker{cleaner: c, onPath: make(map[containerID]struct{})}
	masked := w.mapping(m)
	return masked, w.redacted
}

// walker performs one masking pass. Containers without changes are returned
// as-is so unchanged subtrees are shared, never copied.
type walker struct {
	cleaner  *Cleaner
	onPath   map[containerID]struct{}
	redacted int
}

// containerID identifies a container on the current path. Sequences carry
// their length because a shorter slice of a parent shares its data pointer
// without being the same container.
type containerID struct {
	ptr uintptr
	n   int
	seq bool
}

func (w *walker) isSensitiveKey(key string) bool {
	_, hit := w.cleaner.keywords[strings.ToLower(key)]
	return hit
}

func (w *walker) mapping(m value.Mapping) value.Mapping {
	if len(m) == 0 {
		return m
	}
	addr := containerID{ptr: reflect.ValueOf(m).Pointer()}
	if _, seen := w.onPath[addr]; seen {
		// A cycle: leave it for the serializer to reject.
		return m
	}
	w.onPath[addr] = struct{}{}
	defer delete(w.onPath, addr)

	var out value.Mapping
	for key, v := range m {
		var nv value.Value
		if w.isSensitiveKey(key) && !isMasked(v) {
			nv = value.String(RedactedValue)
			w.redacted++
		} else {
			nv = w.value(v)
		}
		if out == nil && !sameValue(nv, v) {
			out = m.Clone()
		}
		if out != nil {
			out[key] = nv
		}
	}
	if out == nil {
		return m
	}
	return out
}

func (w *walker) sequence(s value.Sequence) value.Sequence {
	if len(s) == 0 {
		return s
	}
	addr := containerID{ptr: reflect.ValueOf(s).Pointer(), n: len(s), seq: true}
	if _, seen := w.onPath[addr]; seen {
		return s
	}
	w.onPath[addr] = struct{}{}
	defer delete(w.onPath, addr)

	var out value.Sequence
	for i, v := range s {
		nv := w.value(v)
		if out == nil && !sameValue(nv, v) {
			out = make(value.Sequence, len(s))
			copy(out, s)
		}
		if out != nil {
			out[i] = nv
		}
	}
	if out == nil {
		return s
	}
	return out
}

func (w *walker) value(v value.Value) value.Value {
	switch t := v.(type) {
	case value.String:
		if w.cleaner.tracker.ContainsTrackedSecret(string(t)) {
			w.redacted++
			return value.String(RedactedSecretValue)
		}
		return t
	case value.Mapping:
		return w.mapping(t)
	case value.Sequence:
		return w.sequence(t)
	default:
		return v
	}
}

// isMasked avoids counting a value that is already a placeholder.
func isMasked(v value.Value) bool {
	s, ok := v.(value.String)
	return ok && (s == RedactedValue || s == RedactedSecretValue)
}

// sameValue is an identity check: same scalar, or the same container instance.
func sameValue(a, b value.Value) bool {
	switch at := a.(type) {
	case value.Mapping:
		bt, ok := b.(value.Mapping)
		return ok && reflect.ValueOf(at).Pointer() == reflect.ValueOf(bt).Pointer()
	case value.Sequence:
		bt, ok := b.(value.Sequence)
		if !ok || len(at) != len(bt) {
			return false
		}
		return len(at) == 0 || &at[0] == &bt[0]
	default:
		return a == b
	}
}
