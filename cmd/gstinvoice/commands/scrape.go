package commands

import (
	"encoding/json"
	"fmt"
	"gstinvoice-backend/internal/service"
	"gstinvoice-backend/pkg/serviceutil"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var scrapeFlags struct {
	pnr        string
	invoice    string
	date       string
	identities []string
	proxyPort  string
	json       bool
}

func init() {
	flags := scrapeCmd.Flags()
	flags.StringVar(&scrapeFlags.pnr, "pnr", "", "The PNR of the booking.")
	flags.StringVar(&scrapeFlags.invoice, "invoice", "", "The invoice number, used when the PNR is unknown.")
	flags.StringVar(&scrapeFlags.date, "date", "", "The date of journey (dd-mm-yyyy), required by browser portals.")
	flags.StringSliceVar(&scrapeFlags.identities, "identity", nil, "An email the booking may have been made with, can be repeated and is tried in order.")
	flags.StringVar(&scrapeFlags.proxyPort, "proxy-port", "", "The port of the configured proxy to route this run through.")
	flags.BoolVar(&scrapeFlags.json, "json", false, "Print the result as json instead of a table.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape <vendor> [--pnr <pnr>] [--invoice <number>] [--identity <email>...]",
	Short: "Retrieves the invoices of a single booking and saves them to the configured storage.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := readConfig(*configPath)
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			serviceutil.Fatal("failed to initialize", err)
		}
		defer a.Close(cmd.Context())

		result := a.service.Retrieve(cmd.Context(), service.Request{
			Vendor:        args[0],
			Pnr:           scrapeFlags.pnr,
			InvoiceNumber: scrapeFlags.invoice,
			Date:          scrapeFlags.date,
			Identities:    scrapeFlags.identities,
			ProxyPort:     scrapeFlags.proxyPort,
		})

		if scrapeFlags.json {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			err = enc.Encode(result)
			if err != nil {
				serviceutil.Fatal("failed to encode result", err)
			}
		} else {
			renderResult(result)
		}
		if !result.Success {
			// deferred cleanup does not run on os.Exit
			a.Close(cmd.Context())
			os.Exit(2)
		}
	},
}

func renderResult(result service.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("%s: %s (run %s)", result.Data.Vendor, result.Message, result.Data.RunId))
	t.AppendHeader(table.Row{"Identity", "Attempts", "Outcome", "Detail"})

	for _, f := range result.Data.Failures {
		identity := f.Identity
		if identity == "" {
			identity = "-"
		}
		t.AppendRow(table.Row{identity, f.Attempts, f.Code, f.Detail})
	}
	if len(result.Data.Artifacts) > 0 {
		t.AppendSeparator()
		t.AppendRow(table.Row{"saved", len(result.Data.Artifacts), "", strings.Join(result.Data.Artifacts, "\n")})
	}

	t.SetStyle(table.StyleRounded)
	t.Render()
}
