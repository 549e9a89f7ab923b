package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/vitaload"
	"github.com/sliverarmory/vitaload/memmod"
	"github.com/sliverarmory/vitaload/sim"
)

// stagingRegion keeps staged files clear of the load region.
const stagingRegion uint32 = 0xA0000000

var (
	manifestPath        string
	verbosity           int
	fileRelativeImports bool
	reclaimAddress      uint32
)

var rootCmd = &cobra.Command{
	Use:          "vitaload <executable>",
	Short:        "Load an executable into a simulated platform and report its entry point",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd.ErrOrStderr())
		p, err := newPlatform(log)
		if err != nil {
			return err
		}
		defer p.Close()

		opts := []memmod.Option{
			memmod.WithLogger(log.WithName("loader")),
			memmod.WithReclaimAddress(reclaimAddress),
		}
		if fileRelativeImports {
			opts = append(opts, memmod.WithFileRelativeImports())
		}
		exe, err := vitaload.LoadExecutableFile(p, args[0], opts...)
		if err != nil {
			return err
		}
		defer exe.Release(p)

		printExecutable(cmd.OutOrStdout(), exe)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Log verbosity, repeat for more detail")
	rootCmd.PersistentFlags().BoolVar(&fileRelativeImports, "file-relative-imports", false, "Import descriptors hold pointers relative to the first segment")
	rootCmd.Flags().StringVar(&manifestPath, "manifest", "", "YAML manifest describing resident and loadable modules")
	rootCmd.Flags().Uint32Var(&reclaimAddress, "reclaim-address", memmod.DefaultReclaimAddress, "Segment base that marks a resident module for eviction")
}

func newLogger(w io.Writer) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(w, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(w, args)
	}, funcr.Options{Verbosity: verbosity})
}

func newPlatform(log logr.Logger) (*sim.Platform, error) {
	opts := []sim.Option{
		sim.WithLogger(log.WithName("sim")),
		sim.WithRegion(vitaload.StagingBlockName, stagingRegion),
	}
	if manifestPath == "" {
		return sim.New(opts...), nil
	}
	m, err := sim.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	p := sim.New(append(opts, m.Options()...)...)
	if err := m.Apply(p); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func printExecutable(w io.Writer, exe *vitaload.Executable) {
	fmt.Fprintf(w, "name:    %s\n", exe.Name)
	fmt.Fprintf(w, "entry:   0x%08X\n", exe.Entry)
	fmt.Fprintf(w, "signed:  %t\n", exe.Signed)
	for _, seg := range exe.Segments {
		perm := "rw"
		if seg.Executable {
			perm = "rx"
		}
		fmt.Fprintf(w, "segment: %d %s vaddr 0x%08X base 0x%08X length 0x%X memsz 0x%X\n",
			seg.Index, perm, seg.Vaddr, seg.Base, seg.Length, seg.MemSize)
	}
	if len(exe.Evicted) > 0 {
		fmt.Fprintf(w, "evicted: %s\n", strings.Join(exe.Evicted, ", "))
	}
	for _, warn := range exe.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}
