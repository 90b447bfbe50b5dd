package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"knowgraph/internal/storage"
)

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "Manage the semantic link graph",
}

var linksPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List link proposals awaiting approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		pend, err := a.links.ListPendingLinks(ctx, storage.PendingStatusPending)
		if err != nil {
			return err
		}
		if len(pend) == 0 {
			fmt.Println("no pending links")
			return nil
		}
		for _, p := range pend {
			fmt.Printf("%s  %s -> %s  %s  %.2f  %s\n", p.ID, p.SourceID, p.TargetID, p.Relationship, p.Strength, p.Rationale)
		}
		return nil
	},
}

var linksApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending link, materializing a manual edge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		if err := a.linker.ApprovePendingLink(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("approved", args[0])
		return nil
	},
}

var linksRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		if err := a.linker.RejectPendingLink(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("rejected", args[0])
		return nil
	},
}

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Inspect the message bus",
}

var busStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bus counters and the dead-letter ring",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		stats := a.bus.Stats()
		if err := printJSON(stats); err != nil {
			return err
		}
		for _, dl := range a.bus.DeadLetters() {
			fmt.Printf("dead-letter: topic=%s error=%s at=%s\n", dl.Message.Topic, dl.Error, dl.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	},
}

func init() {
	linksCmd.AddCommand(linksPendingCmd, linksApproveCmd, linksRejectCmd)
	busCmd.AddCommand(busStatusCmd)
	rootCmd.AddCommand(linksCmd, busCmd)
}
