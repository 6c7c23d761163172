package dockerengine

import "github.com/docker/docker/api/types/mount"

// mountSpec is an internal, SDK-agnostic description of one volume mount;
// RunContainer translates the public Mount type into these before building
// the SDK's container.HostConfig.
type mountSpec struct {
	source   string
	target   string
	readOnly bool
}

func buildMounts(specs []mountSpec) []mount.Mount {
	if len(specs) == 0 {
		return nil
	}
	out := make([]mount.Mount, 0, len(specs))
	for _, s := range specs {
		out = append(out, mount.Mount{
			Type:     mount.TypeVolume,
			Source:   s.source,
			Target:   s.target,
			ReadOnly: s.readOnly,
		})
	}
	return out
}
