package main

import (
	"github.com/spf13/cobra"

	"github.com/vuvietnguyenit/mlu-memtest/mlu"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List MLU devices and their PCIe addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := mlu.ListDevices(newMLUDriver())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return mlu.ErrNoDevices
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}
}
