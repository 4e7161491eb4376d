package oml

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/keboola/osiris-sub003/internal/core"
	"github.com/keboola/osiris-sub003/internal/registry"
	"github.com/keboola/osiris-sub003/internal/secrets"
)

var (
	identRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

	// forbiddenTopLevelKeys name the older template-style format and must be
	// rejected outright.
	forbiddenTopLevelKeys = []string{"version", "connectors", "tasks", "outputs"}

	// authoringModes are the mode tags a step declaration may carry.
	authoringModes = []string{"read", "write", "transform"}
)

// Validate checks the document's shape and cross-references against the
// component registry. All violations are collected; nothing short-circuits.
func Validate(doc *Document, reg *registry.Registry) []core.Violation {
	var violations []core.Violation
	add := func(path, code, message string, suggest ...string) {
		v := core.Violation{Path: path, Code: code, Message: message}
		if len(suggest) > 0 {
			v.Suggest = suggest[0]
		}
		violations = append(violations, v)
	}

	for _, key := range forbiddenTopLevelKeys {
		if _, ok := doc.raw[key]; ok {
			add("/"+key, core.CodeForbiddenKey,
				fmt.Sprintf("top-level key %q belongs to the legacy template format", key),
				"use oml_version/name/steps")
		}
	}

	if doc.OMLVersion != core.OMLVersion {
		add("/oml_version", core.CodeMissingField,
			fmt.Sprintf("oml_version must be exactly %q, got %q", core.OMLVersion, doc.OMLVersion))
	}

	if doc.Name == "" {
		add("/name", core.CodeMissingField, "pipeline name is required")
	} else if !identRe.MatchString(doc.Name) {
		add("/name", core.CodeBadPattern,
			fmt.Sprintf("pipeline name %q must match %s", doc.Name, identRe.String()))
	}

	if len(doc.Steps) == 0 {
		add("/steps", core.CodeMissingField, "steps must be a non-empty sequence")
		return violations
	}

	stepIDs := make(map[string]int, len(doc.Steps))
	for i, step := range doc.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if step.ID == "" {
			add(path+"/id", core.CodeMissingField, "step id is required")
		} else if !identRe.MatchString(step.ID) {
			add(path+"/id", core.CodeBadPattern,
				fmt.Sprintf("step id %q must match %s", step.ID, identRe.String()))
		} else if _, dup := stepIDs[step.ID]; dup {
			add(path+"/id", core.CodeBadPattern, fmt.Sprintf("step id %q is not unique", step.ID))
		}
		if step.ID != "" {
			stepIDs[step.ID] = i
		}

		if step.Mode == "" {
			add(path+"/mode", core.CodeMissingField, "step mode is required")
		} else if !lo.Contains(authoringModes, registry.NormalizeMode(step.Mode)) {
			add(path+"/mode", core.CodeBadMode,
				fmt.Sprintf("mode %q is not one of %s", step.Mode, strings.Join(authoringModes, ", ")))
		}

		if step.Component == "" {
			add(path+"/component", core.CodeMissingField, "step component is required")
			continue
		}

		spec, err := reg.Get(step.Component)
		if err != nil {
			add(path+"/component", core.CodeUnknownComponent,
				fmt.Sprintf("unknown component %q", step.Component))
			continue
		}

		if step.Mode != "" && !spec.SupportsMode(step.Mode) {
			add(path+"/mode", core.CodeBadMode,
				fmt.Sprintf("component %s does not support mode %q", step.Component, step.Mode))
		}

		for _, v := range reg.ValidateConfig(step.Component, step.Mode, step.Config) {
			if v.Code == core.CodeBadMode || v.Code == core.CodeUnknownComponent {
				continue // already reported with a step-relative path
			}
			add(path+"/config"+strings.TrimPrefix(v.Path, "/config"), core.CodeCfgInvalid, v.Message, v.Suggest)
		}

		violations = append(violations, checkInlineSecrets(path, step, spec)...)
	}

	violations = append(violations, checkReferences(doc, stepIDs)...)
	violations = append(violations, checkCycles(doc)...)

	return violations
}

// checkInlineSecrets rejects literal secret values in the authored config.
// A value at a declared secret path must be absent or an ${NAME} reference.
func checkInlineSecrets(path string, step Step, spec *registry.ComponentSpec) []core.Violation {
	var violations []core.Violation
	for _, p := range spec.SecretPaths() {
		val, found := secrets.Lookup(map[string]any(step.Config), secrets.ParsePath(p))
		if !found {
			continue
		}
		if s, ok := val.(string); ok && secrets.IsEnvRef(s) {
			continue
		}
		violations = append(violations, core.Violation{
			Path:    path + "/config/" + p,
			Code:    core.CodeInlineSecret,
			Message: fmt.Sprintf("secret path %q must not carry an inline value", p),
			Suggest: "reference an environment variable: ${NAME}",
		})
	}
	return violations
}

func checkReferences(doc *Document, stepIDs map[string]int) []core.Violation {
	var violations []core.Violation
	for i, step := range doc.Steps {
		path := fmt.Sprintf("/steps/%d", i)
		for j, dep := range step.Needs {
			if _, ok := stepIDs[dep]; !ok || dep == step.ID {
				violations = append(violations, core.Violation{
					Path:    fmt.Sprintf("%s/needs/%d", path, j),
					Code:    core.CodeDepUnknown,
					Message: fmt.Sprintf("needs references unknown step %q", dep),
				})
			}
		}
		for key, ref := range step.Inputs {
			if _, ok := stepIDs[ref.FromStep]; !ok || ref.FromStep == step.ID {
				violations = append(violations, core.Violation{
					Path:    fmt.Sprintf("%s/inputs/%s/from_step", path, key),
					Code:    core.CodeDepUnknown,
					Message: fmt.Sprintf("input %q references unknown step %q", key, ref.FromStep),
				})
			}
		}
	}
	return violations
}

// checkCycles detects cycles in the effective dependency graph.
func checkCycles(doc *Document) []core.Violation {
	deps := make(map[string][]string, len(doc.Steps))
	for _, step := range doc.Steps {
		deps[step.ID] = step.Dependencies()
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var cycle []string
	var visit func(id string, trail []string) bool
	visit = func(id string, trail []string) bool {
		switch state[id] {
		case visiting:
			cycle = append(trail, id)
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if _, ok := deps[dep]; !ok {
				continue // unknown refs are reported separately
			}
			if visit(dep, append(trail, id)) {
				return true
			}
		}
		state[id] = done
		return false
	}

	for _, step := range doc.Steps {
		if visit(step.ID, nil) {
			return []core.Violation{{
				Path:    "/steps",
				Code:    core.CodeDepCycle,
				Message: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
			}}
		}
	}
	return nil
}
