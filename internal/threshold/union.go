package threshold

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/pitabwire/ratify/model"
)

// stageBuilder accumulates one stage while the union is computed.
type stageBuilder struct {
	tmpl model.StageTemplate
	key  string // parallel set key; empty for sequential stages
}

// BuildStages combines the approver requirements of matched thresholds into
// an ordered list of stages. Thresholds are consumed in the order given.
//
// A sequential threshold contributes one stage per requirement, keyed by
// role: the first occurrence of a role fixes its position and later
// occurrences merge into it, keeping the larger count, the shorter SLA and the
// first escalation target. Identical role+count requirements therefore
// collapse into one stage. A parallel threshold contributes a single stage
// with all of its requirements; a parallel stage with the same requirement
// set as an earlier one is dropped.
func BuildStages(matched []model.Threshold) []model.StageTemplate {
	var (
		stages []*stageBuilder
		byRole = map[string]*stageBuilder{}
		bySet  = map[string]*stageBuilder{}
	)

	for _, t := range matched {
		if t.Parallel {
			if len(t.RequiredApprovers) == 0 {
				continue
			}
			sb := parallelStage(t)
			if prev, ok := bySet[sb.key]; ok {
				addThreshold(&prev.tmpl, t.ID)
				prev.tmpl.SLAHours = minSLA(prev.tmpl.SLAHours, sb.tmpl.SLAHours)
				if prev.tmpl.EscalateTo == "" {
					prev.tmpl.EscalateTo = sb.tmpl.EscalateTo
				}
				continue
			}
			bySet[sb.key] = sb
			stages = append(stages, sb)
			continue
		}

		for _, req := range t.RequiredApprovers {
			sla := req.SLAHours
			if sla == 0 {
				sla = t.AutoEscalateAfterHours
			}
			if prev, ok := byRole[req.Role]; ok {
				r := &prev.tmpl.Requirements[0]
				r.Count = max(r.Count, req.Count)
				prev.tmpl.SLAHours = minSLA(prev.tmpl.SLAHours, sla)
				if prev.tmpl.EscalateTo == "" {
					prev.tmpl.EscalateTo = req.EscalateTo
				}
				addThreshold(&prev.tmpl, t.ID)
				continue
			}
			sb := &stageBuilder{tmpl: model.StageTemplate{
				Name:           req.Role,
				AssignmentType: model.AssignRole,
				Requirements:   []model.StageRequirement{{Role: req.Role, Count: req.Count}},
				SLAHours:       sla,
				EscalateTo:     req.EscalateTo,
				ThresholdIDs:   []string{t.ID},
			}}
			byRole[req.Role] = sb
			stages = append(stages, sb)
		}
	}

	out := make([]model.StageTemplate, len(stages))
	for i, sb := range stages {
		out[i] = sb.tmpl
	}
	return out
}

func parallelStage(t model.Threshold) *stageBuilder {
	counts := map[string]int{}
	var roles []string
	sla, escalateTo := 0, ""
	for _, req := range t.RequiredApprovers {
		if _, seen := counts[req.Role]; !seen {
			roles = append(roles, req.Role)
		}
		counts[req.Role] = max(counts[req.Role], req.Count)
		sla = minSLA(sla, req.SLAHours)
		if escalateTo == "" {
			escalateTo = req.EscalateTo
		}
	}
	if sla == 0 {
		sla = t.AutoEscalateAfterHours
	}

	reqs := make([]model.StageRequirement, 0, len(roles))
	for _, role := range roles {
		reqs = append(reqs, model.StageRequirement{Role: role, Count: counts[role]})
	}

	sorted := slices.Clone(roles)
	sort.Strings(sorted)
	keyParts := make([]string, len(sorted))
	for i, role := range sorted {
		keyParts[i] = role + "=" + strconv.Itoa(counts[role])
	}

	return &stageBuilder{
		key: strings.Join(keyParts, ","),
		tmpl: model.StageTemplate{
			Name:           strings.Join(roles, " + "),
			AssignmentType: model.AssignRole,
			Requirements:   reqs,
			SLAHours:       sla,
			EscalateTo:     escalateTo,
			Parallel:       true,
			ThresholdIDs:   []string{t.ID},
		},
	}
}

// minSLA returns the smaller positive SLA; zero means no deadline.
func minSLA(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

func addThreshold(tmpl *model.StageTemplate, id string) {
	if !slices.Contains(tmpl.ThresholdIDs, id) {
		tmpl.ThresholdIDs = append(tmpl.ThresholdIDs, id)
	}
}

// WorkflowType picks the workflow type for an instance: the first matched
// threshold that declares one, else the document type.
func WorkflowType(matched []model.Threshold, doc model.Document) string {
	for _, t := range matched {
		if t.WorkflowType != "" {
			return t.WorkflowType
		}
	}
	return doc.DocumentType
}

// Refs returns the version pins for the matched thresholds.
func Refs(matched []model.Threshold) []model.ThresholdRef {
	refs := make([]model.ThresholdRef, len(matched))
	for i, t := range matched {
		refs[i] = model.ThresholdRef{ID: t.ID, Version: t.Version}
	}
	return refs
}
