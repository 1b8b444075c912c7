package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/gvm/capture"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the records of a capture database.",
	Long: "`dump [database path]` lists the tables of a capture database " +
		"and prints their records. Use --table to dump a single table.",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Error: database path argument is required")
			os.Exit(1)
		}
		path := args[0]

		reader, err := capture.NewReader(path)
		if err != nil {
			log.Fatalf("Error opening capture database: %v", err)
		}
		defer reader.Close()

		table, _ := cmd.Flags().GetString("table")
		if table != "" {
			err = dumpTable(reader, table)
			if err != nil {
				log.Fatalf("Error dumping table: %v", err)
			}
			return
		}

		tables, err := reader.ListTables()
		if err != nil {
			log.Fatalf("Error listing tables: %v", err)
		}

		for _, name := range tables {
			err = dumpTable(reader, name)
			if err != nil {
				log.Fatalf("Error dumping table: %v", err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().String("table", "", "Dump only the named table")
}

func dumpTable(reader *capture.Reader, name string) error {
	cols, rows, err := reader.Dump(name)
	if err != nil {
		return err
	}

	fmt.Printf("== %s (%d records) ==\n", name, len(rows))

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}
