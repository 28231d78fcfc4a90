package jobs

import (
	"github.com/melih/lighthouse/internal/core/domain"
)

// rsyncFlags returns the rsync arguments for mode plus the job's download
// filters. rsync applies the first matching rule, so excludes go first and
// an include list ends in a catch-all exclude; directories stay traversable
// and the ones left empty are pruned.
func rsyncFlags(mode CopyMode, job domain.JobInfo) []string {
	flags := []string{"-a"}
	switch mode {
	case CopyUpdate:
		flags = append(flags, "--update")
	case CopyMirror:
		flags = append(flags, "--delete")
	}
	for _, pattern := range domain.DecodeList(job.Label(domain.LabelDownloadExclude)) {
		flags = append(flags, "--exclude="+pattern)
	}
	includes := domain.DecodeList(job.Label(domain.LabelDownloadInclude))
	if len(includes) == 0 {
		return flags
	}
	flags = append(flags, "--prune-empty-dirs", "--include=*/")
	for _, pattern := range includes {
		flags = append(flags, "--include="+pattern)
	}
	return append(flags, "--exclude=*")
}

// jobProjectDir is where the job sees its project files.
func jobProjectDir(job domain.JobInfo, defaultRoot string) string {
	root := job.Label(domain.LabelContainerRoot)
	if root == "" {
		root = defaultRoot
	}
	return joinBase(root, job.Label(domain.LabelProjectRoot))
}
