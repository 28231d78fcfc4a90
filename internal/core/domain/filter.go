package domain

import (
	"maps"
	"slices"
	"strings"
)

// Filter selects jobs. Values within one field are ORed, fields are ANDed.
// An empty field does not constrain the match.
type Filter struct {
	// IDs match by prefix, so short ids work.
	IDs        []string            `json:"ids,omitempty"`
	Labels     map[string][]string `json:"labels,omitempty"`
	States     []JobState          `json:"states,omitempty"`
	StackPaths []string            `json:"stackPaths,omitempty"`
}

// Matches reports whether job satisfies f.
func (f Filter) Matches(job JobInfo) bool {
	if len(f.IDs) > 0 && !slices.ContainsFunc(f.IDs, func(id string) bool {
		return id != "" && strings.HasPrefix(job.ID, id)
	}) {
		return false
	}
	for key, values := range f.Labels {
		if len(values) == 0 {
			if _, ok := job.Labels[key]; !ok {
				return false
			}
			continue
		}
		value, ok := job.Labels[key]
		if !ok || !slices.Contains(values, value) {
			return false
		}
	}
	if len(f.States) > 0 && !slices.Contains(f.States, job.State) {
		return false
	}
	if len(f.StackPaths) > 0 && !slices.Contains(f.StackPaths, job.Stack) {
		return false
	}
	return true
}

// Apply returns the jobs matching f, preserving order.
func (f Filter) Apply(jobs []JobInfo) []JobInfo {
	out := make([]JobInfo, 0, len(jobs))
	for _, job := range jobs {
		if f.Matches(job) {
			out = append(out, job)
		}
	}
	return out
}

// WithLabel returns a copy of f additionally requiring key to be one of values.
// Passing no values only requires the label to be present.
func (f Filter) WithLabel(key string, values ...string) Filter {
	out := f
	out.Labels = maps.Clone(f.Labels)
	if out.Labels == nil {
		out.Labels = make(map[string][]string)
	}
	out.Labels[key] = values
	return out
}
