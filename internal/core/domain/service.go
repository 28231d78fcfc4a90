package domain

import (
	"maps"
	"slices"
	"strconv"
)

// ServiceIdentifier is the logical key of a service. Many identifiers with
// the same project root map onto the same job.
type ServiceIdentifier struct {
	ProjectRoot string `json:"projectRoot,omitempty"`
}

// ServiceInfo is derived from a job's labels; it is never stored.
type ServiceInfo struct {
	ID           string         `json:"id"`
	ServicePorts map[string]int `json:"servicePorts"`
	AccessPort   int            `json:"accessPort,omitempty"`
	AccessIP     string         `json:"accessIp,omitempty"`
	ProjectRoot  string         `json:"projectRoot,omitempty"`
	IsNew        bool           `json:"isNew"`
}

// ServiceInfoFromJob maps a job's labels back onto ServiceInfo.
func ServiceInfoFromJob(job JobInfo) ServiceInfo {
	info := ServiceInfo{
		ID:           job.ID,
		ServicePorts: DecodePorts(job.Label(LabelServicePorts)),
		AccessIP:     job.Label(LabelAccessIP),
		ProjectRoot:  job.Label(LabelProjectRoot),
	}
	if port, err := strconv.Atoi(job.Label(LabelAccessPort)); err == nil {
		info.AccessPort = port
	}
	return info
}

// ServiceOptions are per-start parameters.
type ServiceOptions struct {
	Stack      StackConfiguration `json:"stack"`
	Ports      []Port             `json:"ports,omitempty"`
	AccessPort int                `json:"accessPort,omitempty"`
	AccessIP   string             `json:"accessIp,omitempty"`
	X11        bool               `json:"x11,omitempty"`
	// Syncing marks a service whose project files are kept in sync by a
	// running sync agent. Stop then skips the copy back.
	Syncing bool `json:"syncing,omitempty"`
	// ReuseImage defaults to true when nil.
	ReuseImage *bool `json:"reuseImage,omitempty"`
	// Args holds service specific knobs such as the jupyter mode or the
	// syncthing peer device id.
	Args map[string]string `json:"args,omitempty"`
	// Labels are put on the service job in addition to the standard ones.
	Labels map[string]string `json:"labels,omitempty"`
}

// Reuse reports the effective reuse-image setting.
func (o ServiceOptions) Reuse() bool {
	return o.ReuseImage == nil || *o.ReuseImage
}

// Arg returns a service argument or def when unset.
func (o ServiceOptions) Arg(key, def string) string {
	if v, ok := o.Args[key]; ok && v != "" {
		return v
	}
	return def
}

// Copy returns a deep copy of o.
func (o ServiceOptions) Copy() ServiceOptions {
	out := o
	out.Stack = o.Stack.Copy()
	out.Ports = slices.Clone(o.Ports)
	out.Args = maps.Clone(o.Args)
	out.Labels = maps.Clone(o.Labels)
	if o.ReuseImage != nil {
		v := *o.ReuseImage
		out.ReuseImage = &v
	}
	return out
}
