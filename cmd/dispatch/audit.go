package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
)

var (
	auditLimit      int
	auditPurgeOlder time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit [task-id]",
	Short: "Show the audit log",
	Long: `Show the append-only audit log, optionally filtered to one task.
Every status transition in the system lands here in the same
transaction as the state change it records.

Use --purge-older to delete entries past the retention window; that is
the only sanctioned deletion from the log.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries to show (0 for all)")
	auditCmd.Flags().DurationVar(&auditPurgeOlder, "purge-older", 0, "Delete entries older than this duration")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if auditPurgeOlder > 0 {
		n, err := db.PurgeAudit(auditPurgeOlder)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d audit entries older than %s\n", n, auditPurgeOlder)
		return nil
	}

	taskID := ""
	if len(args) == 1 {
		taskID = args[0]
	}

	entries, err := db.ListAudit(taskID, auditLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}

	for _, e := range entries {
		line := fmt.Sprintf("%s  %-12s %-22s %-14s %s",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Actor, e.Action, e.TaskID, e.Outcome)
		if e.Data != "" {
			line += "  " + e.Data
		}
		fmt.Println(line)
	}
	return nil
}
