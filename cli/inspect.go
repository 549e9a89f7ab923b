package main

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/vitaload"
	"github.com/sliverarmory/vitaload/memmod"
)

var inspectCmd = &cobra.Command{
	Use:          "inspect <executable>",
	Short:        "Print an executable's headers, module info, imports and exports",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}

		opts := []memmod.Option{memmod.WithLogger(newLogger(cmd.ErrOrStderr()).WithName("inspect"))}
		if fileRelativeImports {
			opts = append(opts, memmod.WithFileRelativeImports())
		}
		src, size, _, err := vitaload.Unwrap(f, st.Size())
		if err != nil {
			return err
		}
		rep, err := memmod.Inspect(src, size, opts...)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), rep)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func printReport(w io.Writer, rep *memmod.Report) {
	fmt.Fprintf(w, "name:    %s\n", rep.Info.Name)
	fmt.Fprintf(w, "type:    0x%04X\n", rep.Header.Type)
	fmt.Fprintf(w, "machine: %v\n", elf.Machine(rep.Header.Machine))
	fmt.Fprintf(w, "version: 0x%04X\n", rep.Info.Version)
	fmt.Fprintf(w, "nid:     0x%08X\n", rep.Info.ModuleNID)
	for i, ph := range rep.Programs {
		fmt.Fprintf(w, "program: %d %v vaddr 0x%08X filesz 0x%X memsz 0x%X %v\n",
			i, elf.ProgType(ph.Type), ph.Vaddr, ph.Filesz, ph.Memsz, elf.ProgFlag(ph.Flags))
	}
	for _, d := range rep.Imports {
		fmt.Fprintf(w, "import:  %s nid 0x%08X functions %s variables %s tls %s\n",
			d.Library, d.ModuleNID(), nidList(d.FuncNIDs), nidList(d.VarNIDs), nidList(d.TLSNIDs))
	}
	for _, d := range rep.Exports {
		name := d.Library
		if d.Attribute == memmod.AttrModuleInfo {
			name = "(module info)"
		}
		fmt.Fprintf(w, "export:  %s attr 0x%04X functions %d variables %d tls %d\n",
			name, d.Attribute, d.NumFunctions, d.NumVars, d.NumTLSVars)
	}
}

func nidList(nids []uint32) string {
	out := make([]string, 0, len(nids))
	for _, nid := range nids {
		out = append(out, fmt.Sprintf("0x%08X", nid))
	}
	return "[" + strings.Join(out, " ") + "]"
}
