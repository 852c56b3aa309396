package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/chazu/strata/vm"
	"github.com/spf13/cobra"
)

var inspectVars bool

func init() {
	cmd := newInspectCmd()
	cmd.Flags().BoolVar(&inspectVars, "vars", false, "Page in every dataspace and show its variables")
	rootCmd.AddCommand(cmd)
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Show the objects of the last snapshot",
		Long: `The inspect command restores the last snapshot from the store and lists
its objects with their creation counts, sizes and pending callouts.

Example:
  strata inspect
  strata inspect --vars --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			return guard(func() error { return runInspect(s) })
		},
	}
}

type objectInfo struct {
	Index     uint32   `json:"index"`
	Count     uint32   `json:"count"`
	Name      string   `json:"name"`
	Variables int      `json:"variables"`
	Sectors   int      `json:"sectors"`
	Values    []string `json:"values,omitempty"`
}

type inspectReport struct {
	Store     string       `json:"store"`
	Objects   []objectInfo `json:"objects"`
	Scheduled int          `json:"scheduled"`
	Stats     vm.Stats     `json:"stats"`
}

func runInspect(s *session) error {
	rt := s.rt
	report := inspectReport{Store: cfg.StorePath(), Scheduled: s.queue.Len()}
	for _, o := range rt.Objects.Live() {
		info := objectInfo{
			Index:     o.Ref().Index,
			Count:     o.Ref().Count,
			Name:      o.Name,
			Variables: o.Variables(),
			Sectors:   len(o.Sectors()),
		}
		if inspectVars {
			d, err := rt.Dataspace(o.Ref())
			if err != nil {
				return err
			}
			for i := 0; i < d.Variables(); i++ {
				info.Values = append(info.Values, d.Variable(i).String())
			}
		}
		report.Objects = append(report.Objects, info)
	}
	report.Stats = rt.Stats()

	if jsonOut {
		return printJSON(report)
	}
	if s.fresh {
		fmt.Printf("%s holds no snapshot\n", report.Store)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tCOUNT\tNAME\tVARS\tSECTORS")
	for _, o := range report.Objects {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\n", o.Index, o.Count, o.Name, o.Variables, o.Sectors)
		for i, v := range o.Values {
			fmt.Fprintf(w, "\t\t  %d\t%s\t\n", i, v)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d objects, %d callouts scheduled, %d resident\n",
		report.Stats.Objects, report.Scheduled, report.Stats.Resident)
	return nil
}
