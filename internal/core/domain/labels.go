package domain

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/blake3"
)

// Label keys. Every piece of job and service state is encoded in these; the
// runtime's label query is the only store.
const (
	labelPrefix = "lighthouse."

	LabelJobName         = labelPrefix + "jobname"
	LabelProjectRoot     = labelPrefix + "project-root"
	LabelParentJobID     = labelPrefix + "parent-job-id"
	LabelJobType         = labelPrefix + "job-type"
	LabelCommand         = labelPrefix + "command"
	LabelContainerRoot   = labelPrefix + "container-root"
	LabelStack           = labelPrefix + "stack"
	LabelFileDir         = labelPrefix + "file-dir"
	LabelDownloadInclude = labelPrefix + "download-include"
	LabelDownloadExclude = labelPrefix + "download-exclude"
	LabelServiceSyncing  = labelPrefix + "service-syncing"
	LabelAccessPort      = labelPrefix + "service-access-port"
	LabelAccessIP        = labelPrefix + "service-access-ip"
	LabelServicePorts    = labelPrefix + "service-ports"
)

const JobTypeExec = "exec"

// ShortHash returns the first 32 hex characters of the BLAKE3 digest of s.
func ShortHash(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// EncodeList encodes a string list for storage in a label.
func EncodeList(values []string) string {
	if len(values) == 0 {
		return ""
	}
	b, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeList is the inverse of EncodeList. Malformed input yields nil.
func DecodeList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// EncodePorts encodes a named port map for the service-ports label.
func EncodePorts(ports map[string]int) string {
	if ports == nil {
		ports = map[string]int{}
	}
	b, err := json.Marshal(ports)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodePorts is the inverse of EncodePorts. Malformed input yields an
// empty map rather than an error.
func DecodePorts(raw string) map[string]int {
	out := map[string]int{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]int{}
	}
	return out
}
