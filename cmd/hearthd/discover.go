package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthkit/hearthd/pkg/discovery"
	"github.com/hearthkit/hearthd/pkg/version"
)

var (
	discoverTimeout   time.Duration
	discoverInterface string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Browse the local network for accessories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{
			Timeout:   discoverTimeout,
			Interface: discoverInterface,
		})
		found, err := discovery.Collect(cmd.Context(), browser, discoverTimeout)
		if err != nil {
			return fmt.Errorf("browse: %w", err)
		}
		return printAccessories(cmd.OutOrStdout(), found)
	},
}

func init() {
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", discovery.BrowseTimeout, "How long to listen for answers")
	discoverCmd.Flags().StringVar(&discoverInterface, "interface", "", "Network interface (default all)")
}

func printAccessories(w io.Writer, found []*discovery.AccessoryService) error {
	if len(found) == 0 {
		fmt.Fprintln(w, "No accessories found")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tID\tMODEL\tC#\tPAIRED\tPROTOCOL")
	for _, svc := range found {
		addr := svc.Host
		if len(svc.Addresses) > 0 {
			addr = strings.Join(svc.Addresses, ",")
		}
		pv := svc.Protocol
		if !version.Supports(pv) {
			pv += " (unsupported)"
		}
		fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%s\t%d\t%s\t%s\n",
			svc.InstanceName, addr, svc.Port, svc.DeviceID, svc.Model, svc.ConfigNumber, yesNo(svc.Paired()), pv)
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
