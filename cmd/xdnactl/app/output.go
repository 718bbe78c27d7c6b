package app

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

type outputFormat string

const (
	formatTable   outputFormat = "table"
	formatJSON    outputFormat = "json"
	formatYAML    outputFormat = "yaml"
	formatMsgpack outputFormat = "msgpack"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(s); f {
	case formatTable, formatJSON, formatYAML, formatMsgpack:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json, yaml or msgpack)", s)
	}
}

// printResult writes v in the selected format. table renders the human
// readable form on a tabwriter.
func printResult(w io.Writer, opts *GlobalOptions, v interface{}, table func(tw *tabwriter.Writer)) error {
	format, err := parseFormat(opts.Output)
	if err != nil {
		return err
	}

	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatMsgpack:
		enc := msgpack.NewEncoder(w)
		enc.UseCompactInts(true)
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}
