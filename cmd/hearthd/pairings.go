package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthkit/hearthd/internal/config"
	"github.com/hearthkit/hearthd/pkg/pairing"
)

var (
	pairingsStorage  string
	pairingsIdentity bool
)

// The pairings commands edit the store on disk; run them while the
// server is stopped or it will overwrite their changes.
var pairingsCmd = &cobra.Command{
	Use:   "pairings",
	Short: "Inspect or reset the paired controllers",
}

var pairingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paired controllers and the accessory identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openPairings(cmd)
		if err != nil {
			return err
		}
		return listPairings(store, cmd.OutOrStdout())
	},
}

var pairingsRemoveCmd = &cobra.Command{
	Use:   "remove <controller-id>",
	Short: "Remove one paired controller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPairings(cmd)
		if err != nil {
			return err
		}
		removed, err := store.RemoveController(args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no controller %q", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	},
}

var pairingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every controller; --identity also replaces the accessory key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openPairings(cmd)
		if err != nil {
			return err
		}
		return resetPairings(store, pairingsIdentity, cmd.OutOrStdout())
	},
}

func init() {
	pairingsCmd.PersistentFlags().StringVar(&pairingsStorage, "storage", "", "Pairing directory (overrides the configuration file)")
	pairingsResetCmd.Flags().BoolVar(&pairingsIdentity, "identity", false, "Also generate a new accessory identity")
	pairingsCmd.AddCommand(pairingsListCmd, pairingsRemoveCmd, pairingsResetCmd)
}

func openPairings(cmd *cobra.Command) (*pairing.Store, error) {
	dir := pairingsStorage
	if !cmd.Flags().Changed("storage") {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		dir = cfg.HAP.StorageDir
	}
	if dir == "" {
		return nil, errors.New("no pairing directory configured")
	}
	return pairing.OpenFile(dir)
}

func listPairings(store *pairing.Store, w io.Writer) error {
	id := store.Identity()
	fmt.Fprintf(w, "Device ID:     %s\n", id.DeviceID)
	fmt.Fprintf(w, "Created:       %s\n", id.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Config number: %d\n\n", store.ConfigNumber())

	ctrls := store.Controllers()
	if len(ctrls) == 0 {
		fmt.Fprintln(w, "No paired controllers")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTROLLER\tPERMISSIONS\tPAIRED")
	for _, c := range ctrls {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.ID, c.Permissions, c.PairedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func resetPairings(store *pairing.Store, identity bool, w io.Writer) error {
	n := len(store.Controllers())
	if identity {
		if err := store.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(w, "Removed %d controller(s); new device ID %s\n", n, store.Identity().DeviceID)
		return nil
	}
	if err := store.RemoveAllControllers(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Removed %d controller(s)\n", n)
	return nil
}
