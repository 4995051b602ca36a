package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NexusGPU/gpu-checkpoint/internal/topology"
)

var topo_root string

var cmdTopology = &cobra.Command{
	Use:   "topology",
	Short: "Print the local device topology",
	RunE:  runTopology,
}

func init() {
	rootCmd.AddCommand(cmdTopology)
	cmdTopology.Flags().StringVarP(&topo_root, "sysfs", "s", topology.DefaultSysfsRoot, "Topology sysfs root")
}

func runTopology(ccmd *cobra.Command, args []string) error {
	sys, err := topology.Parse(topo_root, "local")
	if err != nil {
		return err
	}
	if err := topology.DetermineValidLinks(sys); err != nil {
		return err
	}
	for _, n := range sys.Nodes() {
		if !n.IsGPU() {
			fmt.Printf("node %d: cpu, %d cores\n", n.ID, n.CPUCoresCount)
			continue
		}
		fmt.Printf("node %d: gpu %#x, device %04x:%04x, render minor %d, %d sdma engines, vram %d\n",
			n.ID, n.GPUID, n.VendorID, n.DeviceID, n.DRMRenderMinor, n.NumSDMAEngines, n.VRAMSize)
		for _, l := range n.ValidIOLinks() {
			fmt.Printf("  link type %d to node %d\n", l.Type, l.NodeTo)
		}
	}
	return nil
}
