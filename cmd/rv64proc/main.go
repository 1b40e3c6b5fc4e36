// Command rv64proc boots the simulated kernel and drives it through a
// canned boot/fork/wait scenario from the command line, the way a toy
// hypervisor's CLI lets you poke at VM lifecycle without writing a test.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gokernel-labs/rv64proc/fs"
	"github.com/gokernel-labs/rv64proc/kernel"
	"github.com/gokernel-labs/rv64proc/mm"
)

var (
	nCPU    int
	verbose bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rv64proc",
		Short: "Drive the simulated process/kernel-thread core",
	}
	// Normalize underscores in flag names to dashes the way pflag's
	// normalization hook is meant to be used, so a flag spelled with
	// underscores (as a config file might export it) still parses.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.PersistentFlags().IntVar(&nCPU, "cpus", 4, "number of simulated CPUs")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug-level logging")
	root.AddCommand(demoCmd())
	return root
}

func newKernel() (*kernel.Kernel, func()) {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	arena := mm.NewByteArena(4096)
	alloc := mm.NewBitmapAllocator(4096, arena)
	filesystem := fs.NewAferoFS()
	k := kernel.New(alloc, arena, filesystem, log)
	return k, func() { k.Shutdown() }
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Boot the kernel, fork a child, wait on it, and dump the process table",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, shutdown := newKernel()
			defer shutdown()

			ctx := context.Background()
			initDone := make(chan struct{})
			_, err := k.Boot(ctx, nCPU, func(ctx context.Context) {
				child, err := k.Fork(ctx, func(ctx context.Context) {
					k.Log.Info("child: hello from the forked thread")
				})
				if err != nil {
					k.Log.WithError(err).Error("fork failed")
					close(initDone)
					return
				}
				pid, status, ok := k.Wait(ctx)
				k.Log.WithFields(logrus.Fields{
					"pid": pid, "status": status, "ok": ok, "expected_child": child.Pid(),
				}).Info("init: reaped child")
				close(initDone)
			})
			if err != nil {
				return err
			}

			select {
			case <-initDone:
			case <-time.After(5 * time.Second):
				return fmt.Errorf("demo: timed out waiting for init to finish")
			}
			k.ProcDump()
			return nil
		},
	}
}
