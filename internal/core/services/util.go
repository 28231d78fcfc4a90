package services

import (
	"sort"

	"github.com/melih/lighthouse/internal/core/domain"
)

func sortNewestFirst(jobs []domain.JobInfo) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Created.After(jobs[j].Created)
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
