package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"gopkg.in/yaml.v3"

	"github.com/vuvietnguyenit/mlu-memtest/memory"
	"github.com/vuvietnguyenit/mlu-memtest/mlu"
)

const (
	outputTable = "table"
	outputYAML  = "yaml"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewTable(w, tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
		Settings: tw.Settings{Separators: tw.Separators{BetweenRows: tw.Off}},
	})))
	table.Header(header)
	return table
}

func renderRows(w io.Writer, header []string, rows [][]string) error {
	table := newTable(w, header)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func printDevices(w io.Writer, devices []mlu.DeviceInfo) error {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{
			strconv.Itoa(d.Ordinal),
			d.PCIAddress(),
			d.Name,
			strconv.FormatBool(d.Integrated),
		})
	}
	return renderRows(w, []string{"INDEX", "PCIE", "NAME", "INTEGRATED"}, rows)
}

func printResults(w io.Writer, results []benchResult, format string) error {
	switch format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(struct {
			Results []benchResult `yaml:"results"`
		}{results})
	case outputTable:
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			verified := "-"
			if r.Verified {
				verified = "ok"
			}
			rows = append(rows, []string{
				r.Direction,
				units.BytesSize(float64(r.Size)),
				strconv.Itoa(r.Iterations),
				r.Elapsed.String(),
				fmt.Sprintf("%.2f", r.BandwidthMBps),
				verified,
			})
		}
		return renderRows(w, []string{"DIRECTION", "SIZE", "ITERATIONS", "ELAPSED", "BANDWIDTH (MB/s)", "VERIFIED"}, rows)
	default:
		return fmt.Errorf("invalid output format %q (table, yaml)", format)
	}
}

func printLeaks(w io.Writer, live []memory.Allocation) error {
	rows := make([][]string, 0, len(live))
	var total uint64
	for _, a := range live {
		total += a.AllocSize
		rows = append(rows, []string{
			fmt.Sprintf("0x%x", a.Addr),
			a.Type.String(),
			units.BytesSize(float64(a.AllocSize)),
			a.At.Format("15:04:05.000"),
		})
	}
	rows = append(rows, []string{"TOTAL", "", units.BytesSize(float64(total)), ""})
	return renderRows(w, []string{"ADDR", "TYPE", "LEAKED", "ALLOCATED AT"}, rows)
}

func printCounts(w io.Writer, counts map[string]uint64) error {
	syms := make([]string, 0, len(counts))
	for sym := range counts {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	rows := make([][]string, 0, len(syms))
	for _, sym := range syms {
		rows = append(rows, []string{sym, strconv.FormatUint(counts[sym], 10)})
	}
	return renderRows(w, []string{"SYMBOL", "CALLS"}, rows)
}
