package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/rfcctl/internal/client"
	"github.com/danmuck/rfcctl/internal/flights"
	"github.com/danmuck/rfcctl/internal/rfc"
)

func callCmd(opts *rootOptions) *cobra.Command {
	var (
		airline string
		from    string
		to      string
		maxRows int
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call BAPI_FLIGHT_GETLIST and print the flight list",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			s, err := opts.session(ctx)
			if err != nil {
				return err
			}
			defer s.Disconnect()

			fn, err := s.ImportCall(ctx, flights.GetListFunction)
			if err != nil {
				return err
			}
			if err := fillGetList(fn, airline, from, to, maxRows); err != nil {
				return err
			}
			if err := s.CallFunction(ctx, fn); err != nil {
				return err
			}
			list, err := fn.Tables.GetTable("FLIGHT_LIST")
			if err != nil {
				return err
			}
			return printFlights(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&airline, "airline", "AA", "airline code")
	cmd.Flags().StringVar(&from, "from", "SFO", "departure airport")
	cmd.Flags().StringVar(&to, "to", "", "arrival airport")
	cmd.Flags().IntVar(&maxRows, "max", 0, "maximum rows (0 uses the server default)")
	return cmd
}

func fillGetList(fn *rfc.FunctionCall, airline, from, to string, maxRows int) error {
	if airline != "" {
		if err := fn.Importing.SetValue("AIRLINE", airline); err != nil {
			return err
		}
	}
	for param, airport := range map[string]string{"DESTINATION_FROM": from, "DESTINATION_TO": to} {
		if airport == "" {
			continue
		}
		st, err := fn.Importing.GetStructure(param)
		if err != nil {
			return err
		}
		if err := st.SetValue("AIRPORTID", airport); err != nil {
			return err
		}
	}
	if maxRows > 0 {
		return fn.Importing.SetValue("MAX_ROWS", maxRows)
	}
	return nil
}

func printFlights(out io.Writer, list *rfc.Table) error {
	header := []string{"AIRLINE", "CONN", "DATE", "FROM", "TO", "DEP", "PRICE"}
	rows := make([][]string, 0, list.Len())
	for _, row := range list.Rows() {
		rows = append(rows, []string{
			row.GetString("AIRLINE"),
			row.GetString("CONNECTID"),
			row.GetString("FLIGHTDATE"),
			row.GetString("AIRPORTFR"),
			row.GetString("AIRPORTTO"),
			row.GetString("DEPTIME"),
			row.GetString("PRICE") + " " + row.GetString("CURR"),
		})
	}
	return writeTable(out, header, rows)
}

// writeTable aligns plain text first and colours the header line after, so
// escape codes never count towards column widths.
func writeTable(out io.Writer, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	first, rest, _ := strings.Cut(buf.String(), "\n")
	_, err := fmt.Fprint(out, cyan(first)+"\n"+rest)
	return err
}

func readTableCmd(opts *rootOptions) *cobra.Command {
	var (
		fields    []string
		where     []string
		delimiter string
		rowCount  int
		rowSkip   int
	)
	cmd := &cobra.Command{
		Use:   "read-table TABLE",
		Short: "Read table rows through RFC_READ_TABLE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			s, err := opts.session(ctx)
			if err != nil {
				return err
			}
			defer s.Disconnect()

			tr := s.TableReader(args[0])
			tr.Delimiter = delimiter
			for _, f := range fields {
				for _, name := range strings.Split(f, ",") {
					if name = strings.TrimSpace(name); name != "" {
						tr.AddField(name)
					}
				}
			}
			for _, q := range where {
				tr.AddQuery(q)
			}
			if err := tr.Read(ctx, rowCount, rowSkip); err != nil {
				return err
			}
			return printRows(cmd.OutOrStdout(), tr.Columns(), tr.Rows())
		},
	}
	cmd.Flags().StringSliceVarP(&fields, "field", "f", nil, "fields to read (repeatable or comma separated)")
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "where clause fragment (repeatable, joined with a space)")
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "one-character field delimiter")
	cmd.Flags().IntVar(&rowCount, "rows", 0, "maximum rows (0 reads all)")
	cmd.Flags().IntVar(&rowSkip, "skip", 0, "rows to skip")
	return cmd
}

func printRows(out io.Writer, cols []client.Column, rows []client.Row) error {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	values := make([][]string, len(rows))
	for i, row := range rows {
		values[i] = row.Values()
	}
	if err := writeTable(out, names, values); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d rows\n", len(rows))
	return nil
}

func describeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe FUNCTION...",
		Short: "Print the signature of remote functions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			s, err := opts.session(ctx)
			if err != nil {
				return err
			}
			defer s.Disconnect()
			for _, name := range args {
				fn, err := s.ImportCall(ctx, name)
				if err != nil {
					return err
				}
				if err := printDescriptor(cmd.OutOrStdout(), fn.Descriptor()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printDescriptor(out io.Writer, d rfc.FunctionDescriptor) error {
	fmt.Fprintln(out, green(d.Name))
	if d.Description != "" {
		fmt.Fprintf(out, "  %s\n", d.Description)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, p := range d.Parameters {
		flags := ""
		if p.Optional {
			flags = "optional"
		}
		if p.Default != "" {
			flags = strings.TrimSpace(flags + " default=" + p.Default)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", p.Direction, p.Name, typeName(p.Kind, p.Length, p.Decimals), flags)
		for _, f := range p.Fields {
			fmt.Fprintf(w, "  \t  %s\t%s\t%s\n", f.Name, typeName(f.Kind, f.Length, f.Decimals), f.Description)
		}
	}
	for _, e := range d.Exceptions {
		fmt.Fprintf(w, "  EXCEPTION\t%s\t\t%s\n", e.Key, e.Message)
	}
	return w.Flush()
}

func typeName(k rfc.Kind, length, decimals int) string {
	switch {
	case !k.Scalar() || length == 0:
		return string(k)
	case decimals > 0:
		return fmt.Sprintf("%s%d.%d", k, length, decimals)
	default:
		return fmt.Sprintf("%s%d", k, length)
	}
}

func pingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Log on to a destination and measure a round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context()
			defer cancel()
			s, err := opts.session(ctx)
			if err != nil {
				return err
			}
			defer s.Disconnect()
			rtt, err := s.Ping(ctx)
			if err != nil {
				return err
			}
			info := s.SystemInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s release %s at %s: %s\n",
				green("ok"), info.SystemID, info.Release, info.Address, rtt.Round(10*time.Microsecond))
			return nil
		},
	}
}
