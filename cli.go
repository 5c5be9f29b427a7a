package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mirage/config"
	"mirage/crypto"
	"mirage/storage"
)

// openStore loads the config and opens the database next to it.
func openStore() (*config.Config, *storage.Store, error) {
	cfg, cfgPath, err := config.LoadOrCreate(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, _, err := storage.Open(filepath.Dir(cfgPath), storage.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, store, nil
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List paired peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			peers, err := store.ListPeers()
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println("No paired peers")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE ID\tNAME\tTRUST\tFINGERPRINT\tLAST SEEN")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.DeviceID, p.DeviceName, p.Trust, crypto.FormatFingerprint(p.Fingerprint), stamp(p.LastSeen, "never"))
			}
			return w.Flush()
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <peer-id>",
		Short: "Remove a paired peer; it must pair again before sharing input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RemovePeer(args[0]); err != nil {
				return err
			}
			if err := store.RecordSecurityEvent(storage.EventPeerForgotten, storage.SecuritySeverityInfo, args[0], nil); err != nil {
				return err
			}
			fmt.Printf("Forgot %s\n", args[0])
			return nil
		},
	}
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show this device's id and key fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadOrCreate(configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			identity, err := loadIdentity(cfg, cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("Device ID:    %s\n", cfg.Identity.DeviceID)
			fmt.Printf("Device Name:  %s\n", cfg.Host.Name)
			fmt.Printf("Fingerprint:  %s\n", crypto.FormatFingerprint(identity.Fingerprint))
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	var (
		peerFlag  string
		limitFlag int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded security events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.SecurityEvents(storage.EventQuery{PeerID: peerFlag, Limit: limitFlag})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tPEER\tDETAILS")
			for _, ev := range events {
				peer := ev.PeerID
				if peer == "" {
					peer = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", stamp(ev.At, "-"), ev.Severity, ev.Kind, peer, ev.Details)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&peerFlag, "peer", "", "only events for this peer")
	cmd.Flags().IntVar(&limitFlag, "limit", 50, "maximum number of events")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var (
		peerFlag  string
		limitFlag int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show the session history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Sessions(peerFlag, limitFlag)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No sessions recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tPEER\tROLE\tOPENED\tCLOSED\tGENERATION\tTAKEOVERS\tREASON")
			for _, r := range records {
				role := "responder"
				if r.Opener {
					role = "opener"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.PeerID, role, stamp(r.OpenedAt, "-"), stamp(r.ClosedAt, "open"), r.Generation, r.Takeovers, r.CloseReason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&peerFlag, "peer", "", "only sessions with this peer")
	cmd.Flags().IntVar(&limitFlag, "limit", 20, "maximum number of sessions")
	return cmd
}

func stamp(t time.Time, zero string) string {
	if t.IsZero() {
		return zero
	}
	return t.Format(time.DateTime)
}
