package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NexusGPU/gpu-checkpoint/internal/image"
	"github.com/NexusGPU/gpu-checkpoint/internal/kfd"
)

var show_raw bool

var cmdShow = &cobra.Command{
	Use:   "show <image-file>",
	Short: "Decode a checkpoint image and print its contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(cmdShow)
	cmdShow.Flags().BoolVarP(&show_raw, "raw", "r", false, "Include buffer payload sizes per object")
}

func runShow(ccmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	if rn, err := image.DecodeRenderNode(data); err == nil {
		fmt.Printf("render-node image: gpu %#x\n", rn.GPUID)
		return nil
	}

	img, err := image.Decode(data)
	if err != nil {
		return err
	}
	fmt.Printf("process %d: %d gpus, %d cpus\n", img.Pid, img.NumGPUs, img.NumCPUs)
	if img.SharedMemSize > 0 {
		fmt.Printf("shared memory: %d bytes, magic %#x\n", img.SharedMemSize, img.SharedMemMagic)
	}
	fmt.Printf("event page offset: %#x\n", img.EventPageOffset)

	for _, d := range img.Devices {
		if d.GPUID == 0 {
			fmt.Printf("node %d: cpu, %d cores\n", d.NodeID, d.CPUCoresCount)
			continue
		}
		fmt.Printf("node %d: gpu %#x, device %04x:%04x, render minor %d, fw %d, vram %d\n",
			d.NodeID, d.GPUID, d.VendorID, d.DeviceID, d.DRMRenderMinor, d.FWVersion, d.VRAMSize)
	}
	fmt.Printf("%d buffer objects, %d queues, %d events\n",
		len(img.BOs), len(img.Queues), len(img.Events))
	if !show_raw {
		return nil
	}
	for _, bo := range img.BOs {
		kind := "other"
		switch {
		case bo.AllocFlags&kfd.AllocFlagVRAM != 0:
			kind = "vram"
		case bo.AllocFlags&kfd.AllocFlagGTT != 0:
			kind = "gtt"
		case bo.AllocFlags&kfd.AllocFlagUserptr != 0:
			kind = "userptr"
		case bo.AllocFlags&kfd.AllocFlagDoorbell != 0:
			kind = "doorbell"
		}
		fmt.Printf("bo gpu %#x addr %#x size %d %s payload %d\n",
			bo.GPUID, bo.Addr, bo.Size, kind, len(bo.RawData))
	}
	return nil
}
