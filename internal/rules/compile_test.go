package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/archivist/internal/store"
)

const sampleRules = `
rule: "route-ct": {
	apply_time: "SopProcessed"
	condition:  "modality == 'CT'"
	actions: [{auto_route: {destination: "PACS2"}}]
}

rule: "tag-research": {
	apply_time: "SopProcessed"
	partition:  "research"
	actions: [{tag: {StudyDescription: "RESEARCH ${AccessionNumber}"}}]
}

rule: "archive-default": {
	apply_time: "StudyArchived"
	default:    true
	actions: [{move_study: {target_filesystem: "fs2"}}, {rebuild_index: {}}]
}

rule: "skip-test-ae": {
	apply_time: "StudyArchived"
	exempt:     true
	condition:  "calling_ae == 'TEST'"
}

rule: "disabled": {
	apply_time: "SopReceived"
	enabled:    false
	actions: [{purge_study: {}}]
}
`

func TestCompileSource(t *testing.T) {
	rules, errs := NewCompiler(nil).CompileSource("sample.cue", sampleRules)
	require.Empty(t, errs)
	require.Len(t, rules, 5)

	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"archive-default", "disabled", "route-ct", "skip-test-ae", "tag-research"}, names)

	byName := map[string]*Rule{}
	for _, r := range rules {
		byName[r.Name] = r
	}

	route := byName["route-ct"]
	assert.Equal(t, SopProcessed, route.ApplyTime)
	assert.Equal(t, "*", route.Partition)
	assert.True(t, route.Enabled)
	assert.False(t, route.Default)
	require.Len(t, route.Actions, 1)
	assert.Equal(t, "auto_route", route.Actions[0].Kind())
	assert.Equal(t, "modality == 'CT'", route.Condition.String())

	archive := byName["archive-default"]
	assert.True(t, archive.Default)
	require.Len(t, archive.Actions, 2)
	assert.Equal(t, "move_study", archive.Actions[0].Kind())
	assert.Equal(t, "rebuild_index", archive.Actions[1].Kind())

	skip := byName["skip-test-ae"]
	assert.True(t, skip.Exempt)
	assert.Empty(t, skip.Actions)

	assert.False(t, byName["disabled"].Enabled)
	assert.Equal(t, "research", byName["tag-research"].Partition)
}

func TestCompileSource_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{
			name:  "unknown action",
			src:   `rule: r: {apply_time: "SopReceived", actions: [{teleport: {}}]}`,
			field: "actions[0]",
		},
		{
			name:  "bad condition",
			src:   `rule: r: {apply_time: "SopReceived", condition: "modality ==", actions: [{rebuild_index: {}}]}`,
			field: "condition",
		},
		{
			name:  "no actions",
			src:   `rule: r: {apply_time: "SopReceived"}`,
			field: "actions",
		},
		{
			name:  "two tags in one action",
			src:   `rule: r: {apply_time: "SopReceived", actions: [{rebuild_index: {}, purge_study: {}}]}`,
			field: "actions[0]",
		},
		{
			name:  "missing destination",
			src:   `rule: r: {apply_time: "SopReceived", actions: [{auto_route: {}}]}`,
			field: "actions[0].auto_route",
		},
		{
			name:  "bad apply time",
			src:   `rule: r: {apply_time: "Sometimes", actions: [{rebuild_index: {}}]}`,
			field: "cue",
		},
		{
			name:  "unknown field",
			src:   `rule: r: {apply_time: "SopReceived", color: "red", actions: [{rebuild_index: {}}]}`,
			field: "cue",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, errs := NewCompiler(nil).CompileSource("bad.cue", tt.src)
			assert.Empty(t, rules)
			require.Len(t, errs, 1)

			var ce *CompileError
			require.True(t, errors.As(errs[0], &ce), "got %T: %v", errs[0], errs[0])
			assert.Equal(t, tt.field, ce.Field)
			assert.Equal(t, "r", ce.Rule)
			assert.Contains(t, ce.Error(), "rule.r.")
		})
	}
}

func TestCompileSource_KeepsValidRules(t *testing.T) {
	src := `
rule: good: {apply_time: "SopReceived", actions: [{rebuild_index: {}}]}
rule: bad: {apply_time: "SopReceived", actions: [{teleport: {}}]}
`
	rules, errs := NewCompiler(nil).CompileSource("mixed.cue", src)
	require.Len(t, rules, 1)
	assert.Equal(t, "good", rules[0].Name)
	assert.Len(t, errs, 1)
}

func TestCompileError_Position(t *testing.T) {
	_, errs := NewCompiler(nil).CompileSource("pos.cue", "rule: r: {apply_time: 5, actions: []}")
	require.Len(t, errs, 1)
	assert.Regexp(t, `\.cue:\d+:\d+: `, errs[0].Error())
}

func TestActionPlans(t *testing.T) {
	rules, errs := NewCompiler(nil).CompileSource("sample.cue", sampleRules)
	require.Empty(t, errs)
	byName := map[string]*Rule{}
	for _, r := range rules {
		byName[r.Name] = r
	}
	ev := testEvent(SopProcessed)

	plan, err := byName["route-ct"].Actions[0].Plan(ev)
	require.NoError(t, err)
	assert.Equal(t, store.TypeAutoRoute, plan.Type)
	assert.Equal(t, store.PriorityNormal, plan.Priority)
	assert.False(t, plan.Unique)
	assert.Equal(t, store.RoutePayload{Destination: "PACS2", SOPUID: ev.Object.InstanceUID()}, plan.Payload)

	plan, err = byName["tag-research"].Actions[0].Plan(ev)
	require.NoError(t, err)
	assert.Equal(t, store.TypeRuleAction, plan.Type)
	assert.Equal(t, store.TagPayload{
		Rule:       "tag-research",
		Attributes: map[string]string{"StudyDescription": "RESEARCH ACC1"},
	}, plan.Payload)

	plan, err = byName["archive-default"].Actions[0].Plan(ev)
	require.NoError(t, err)
	assert.Equal(t, store.TypeMoveStudy, plan.Type)
	assert.Equal(t, store.PriorityLow, plan.Priority)
	assert.True(t, plan.Unique)
	assert.Equal(t, store.MovePayload{TargetFilesystem: "fs2"}, plan.Payload)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "route.cue"), []byte(`
package rules

rule: "route-ct": {
	apply_time: "SopProcessed"
	actions: [{auto_route: {destination: "PACS2", priority: "high"}}]
}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "purge.cue"), []byte(`
package rules

rule: "purge": {
	apply_time: "StudyArchived"
	actions: [{purge_study: {}}]
}
`), 0o644))

	rules, err := DirSource{Dir: dir}.Rules(t.Context(), NewCompiler(nil))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "purge", rules[0].Name)
	assert.Equal(t, "route-ct", rules[1].Name)
}

func TestDirSource_Errors(t *testing.T) {
	_, err := DirSource{Dir: filepath.Join(t.TempDir(), "missing")}.Rules(t.Context(), NewCompiler(nil))
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte(`
package rules

rule: r: {apply_time: "SopReceived", actions: [{teleport: {}}]}
`), 0o644))
	_, err = DirSource{Dir: dir}.Rules(t.Context(), NewCompiler(nil))
	var ce *CompileError
	assert.True(t, errors.As(err, &ce))

	empty := t.TempDir()
	rules, err := DirSource{Dir: empty}.Rules(t.Context(), NewCompiler(nil))
	require.NoError(t, err)
	assert.Empty(t, rules)
}
