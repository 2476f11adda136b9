package rules

import (
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/store"
)

// Plan is the queue entry an action asks for.
type Plan struct {
	Type     store.EntryType
	Priority store.Priority
	Payload  any

	// Unique skips enqueueing when the location already has an active
	// entry of the same type.
	Unique bool
}

// Action is one compiled rule action.
type Action interface {
	Kind() string
	Plan(ev Event) (Plan, error)
}

// ActionFactory builds an action from its CUE parameters.
type ActionFactory func(rule string, params cue.Value) (Action, error)

// ActionRegistry maps an action tag to its factory. Lookup happens once,
// when a rule is compiled.
type ActionRegistry map[string]ActionFactory

// DefaultActions returns the built-in actions.
func DefaultActions() ActionRegistry {
	return ActionRegistry{
		"auto_route":    newAutoRoute,
		"move_study":    newMoveStudy,
		"rebuild_index": newRebuildIndex,
		"purge_study":   newPurgeStudy,
		"tag":           newTag,
	}
}

// Kinds returns the registered tags in sorted order.
func (r ActionRegistry) Kinds() []string {
	kinds := make([]string, 0, len(r))
	for k := range r {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func decodePriority(s string, fallback store.Priority) (store.Priority, error) {
	if s == "" {
		return fallback, nil
	}
	return store.ParsePriority(s)
}

type autoRoute struct {
	Destination string `json:"destination"`
	Priority    string `json:"priority"`
	WholeStudy  bool   `json:"whole_study"`

	priority store.Priority
}

func newAutoRoute(_ string, params cue.Value) (Action, error) {
	var a autoRoute
	if err := params.Decode(&a); err != nil {
		return nil, err
	}
	a.Destination = strings.TrimSpace(a.Destination)
	if a.Destination == "" || strings.ContainsAny(a.Destination, `/\`) || a.Destination == ".." {
		return nil, fmt.Errorf("invalid destination %q", a.Destination)
	}
	p, err := decodePriority(a.Priority, store.PriorityNormal)
	if err != nil {
		return nil, err
	}
	a.priority = p
	return &a, nil
}

func (a *autoRoute) Kind() string { return "auto_route" }

func (a *autoRoute) Plan(ev Event) (Plan, error) {
	payload := store.RoutePayload{Destination: a.Destination}
	if ev.Object != nil && !a.WholeStudy {
		payload.SOPUID = ev.Object.InstanceUID()
	}
	return Plan{
		Type:     store.TypeAutoRoute,
		Priority: a.priority,
		Payload:  payload,
		Unique:   payload.SOPUID == "",
	}, nil
}

type moveStudy struct {
	TargetFilesystem string `json:"target_filesystem"`
	Priority         string `json:"priority"`

	priority store.Priority
}

func newMoveStudy(_ string, params cue.Value) (Action, error) {
	var a moveStudy
	if err := params.Decode(&a); err != nil {
		return nil, err
	}
	if a.TargetFilesystem == "" {
		return nil, fmt.Errorf("target_filesystem is required")
	}
	p, err := decodePriority(a.Priority, store.PriorityLow)
	if err != nil {
		return nil, err
	}
	a.priority = p
	return &a, nil
}

func (a *moveStudy) Kind() string { return "move_study" }

func (a *moveStudy) Plan(Event) (Plan, error) {
	return Plan{
		Type:     store.TypeMoveStudy,
		Priority: a.priority,
		Payload:  store.MovePayload{TargetFilesystem: a.TargetFilesystem},
		Unique:   true,
	}, nil
}

type rebuildIndex struct {
	rule string
}

func newRebuildIndex(rule string, _ cue.Value) (Action, error) {
	return &rebuildIndex{rule: rule}, nil
}

func (a *rebuildIndex) Kind() string { return "rebuild_index" }

func (a *rebuildIndex) Plan(Event) (Plan, error) {
	return Plan{
		Type:     store.TypeRebuildIndex,
		Priority: store.PriorityLow,
		Payload:  store.RebuildPayload{Reason: "rule " + a.rule},
		Unique:   true,
	}, nil
}

type purgeStudy struct {
	rule string
}

func newPurgeStudy(rule string, _ cue.Value) (Action, error) {
	return &purgeStudy{rule: rule}, nil
}

func (a *purgeStudy) Kind() string { return "purge_study" }

func (a *purgeStudy) Plan(Event) (Plan, error) {
	return Plan{
		Type:     store.TypePurgeStudy,
		Priority: store.PriorityLow,
		Payload:  store.PurgePayload{Rule: a.rule},
		Unique:   true,
	}, nil
}

// tag sets study-level attributes in the index. Values may reference the
// triggering object's attributes as "${Keyword}".
type tag struct {
	rule  string
	attrs map[string]string
}

func newTag(rule string, params cue.Value) (Action, error) {
	attrs := map[string]string{}
	if err := params.Decode(&attrs); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("tag needs at least one attribute")
	}
	for k := range attrs {
		if k == dicom.StudyInstanceUID {
			return nil, fmt.Errorf("tag cannot change %s", k)
		}
	}
	return &tag{rule: rule, attrs: attrs}, nil
}

func (a *tag) Kind() string { return "tag" }

func (a *tag) Plan(ev Event) (Plan, error) {
	attrs := make(map[string]string, len(a.attrs))
	for k, v := range a.attrs {
		attrs[k] = expand(v, ev)
	}
	return Plan{
		Type:     store.TypeRuleAction,
		Priority: store.PriorityNormal,
		Payload:  store.TagPayload{Rule: a.rule, Attributes: attrs},
	}, nil
}

// expand replaces ${Keyword} with the instance value, falling back to the
// study value. Inserted values are copied verbatim and never rescanned.
func expand(v string, ev Event) string {
	var b strings.Builder
	for {
		start := strings.Index(v, "${")
		if start < 0 {
			b.WriteString(v)
			return b.String()
		}
		end := strings.Index(v[start:], "}")
		if end < 0 {
			b.WriteString(v)
			return b.String()
		}
		key := v[start+2 : start+end]
		val := ev.Study.Get(key)
		if ev.Object != nil {
			if iv := ev.Object.Attributes.Get(key); iv != "" {
				val = iv
			}
		}
		b.WriteString(v[:start])
		b.WriteString(val)
		v = v[start+end+1:]
	}
}
