package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/intercom/internal/config"
	"github.com/nextlevelbuilder/intercom/internal/inbox"
)

func checkInboxCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "check-inbox",
		Short: "Drain pending intercom messages for this machine's sessions",
		Long: "Drains every session inbox and prints unread messages. Intended to run\n" +
			"from an agent hook at natural break points; silent when nothing is pending.",
		Run: func(cmd *cobra.Command, args []string) {
			runCheckInbox(format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "hook", `output format: "hook" or "json"`)
	return cmd
}

func runCheckInbox(format string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	entries, err := inbox.NewStore().DrainDir(cfg.InboxDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to drain inbox:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		return
	}

	if format == "json" {
		json.NewEncoder(os.Stdout).Encode(map[string]any{
			"messages": entries,
			"count":    len(entries),
		})
		return
	}

	fmt.Printf("📨 Pending intercom messages (%d):\n\n", len(entries))
	for _, e := range entries {
		fmt.Printf("[%s] %s (%s):\n", e.ThreadID, e.FromAgent, e.Timestamp)
		fmt.Printf("  %q\n\n", e.Message)
	}
	fmt.Println(`→ Use intercom_chat with the thread_id to reply.`)
}
