// Command parthv boots a statically partitioned set of VMs from a
// board YAML file, exposed as a small cobra command tree over a
// board-path/debug flag pair.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/partitionhv/parthv/internal/hypervisor"
	"github.com/spf13/cobra"
)

func main() {
	var boardPath string
	var debug bool

	root := &cobra.Command{
		Use:   "parthv",
		Short: "A static-partitioning VMX/VT-d hypervisor front end",
	}
	root.PersistentFlags().StringVar(&boardPath, "board", "board.yaml", "path to the board configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose hypervisor logging")

	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "prepare and start every VM named in the board file",
		RunE: func(cmd *cobra.Command, args []string) error {
			hv, err := hypervisor.New(boardPath, debug)
			if err != nil {
				return err
			}
			hv.StartAll()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "load and validate the board file without starting any VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := hypervisor.New(boardPath, debug)
			return err
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
