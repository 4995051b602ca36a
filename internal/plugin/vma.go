package plugin

import (
	"strings"

	"k8s.io/klog/v2"
)

// VMARemap is one staged rewrite of a device mapping: the (path, address,
// offset) triple seen at dump time and the replacement produced by buffer
// restore.
type VMARemap struct {
	OldPath  string
	Addr     uint64
	OldPgoff uint64
	NewPath  string
	NewPgoff uint64
}

// UpdateVMAMap decides whether one candidate mapping of the restored
// process must be rewritten. Matched is false when the mapping does not
// belong to a re-created buffer; the orchestrator then handles it like any
// ordinary file mapping.
func (p *Plugin) UpdateVMAMap(oldPath string, addr, oldPgoff uint64) (matched bool, newPath string, newPgoff uint64) {
	// mount resolution can hand in paths with repeated separators
	for strings.Contains(oldPath, "//") {
		oldPath = strings.ReplaceAll(oldPath, "//", "/")
	}

	for _, r := range p.remaps {
		if r.OldPath == oldPath && r.Addr == addr && r.OldPgoff == oldPgoff {
			klog.V(2).Infof("vma remap: %s+%#x at %#x becomes %s+%#x",
				oldPath, oldPgoff, addr, r.NewPath, r.NewPgoff)
			return true, r.NewPath, r.NewPgoff
		}
	}
	return false, "", 0
}
