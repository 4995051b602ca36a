package topology

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/NexusGPU/gpu-checkpoint/internal/errdefs"
)

// DetermineValidLinks runs the second validation pass over every node's
// interconnect links. A link is usable only if its peer node exists in the
// system; links referencing absent nodes stay invalid and are excluded from
// stored images. Fails if links were declared but none survive.
func DetermineValidLinks(sys *System) error {
	declared, valid := 0, 0
	for _, n := range sys.nodes {
		for _, l := range n.IOLinks {
			declared++
			if _, err := sys.NodeByID(l.NodeTo); err != nil {
				klog.V(2).Infof("%s topology: dropping link %d->%d (peer absent)",
					sys.label, l.NodeFrom, l.NodeTo)
				continue
			}
			l.Valid = true
			valid++
		}
	}

	if declared > 0 && valid == 0 {
		return fmt.Errorf("%s topology: %d links declared, none usable: %w",
			sys.label, declared, errdefs.ErrValidation)
	}
	klog.V(1).Infof("%s topology: %d of %d links valid", sys.label, valid, declared)
	return nil
}
