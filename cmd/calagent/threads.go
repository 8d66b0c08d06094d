package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/calagent/checkpoint"
	"github.com/hupe1980/calagent/core"
	"github.com/hupe1980/calagent/internal/config"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect checkpointed conversation threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpointed threads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, closeStore, err := newStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeStore() }()

		lister, ok := store.(checkpoint.Lister)
		if !ok {
			return fmt.Errorf("checkpoint backend %q cannot list threads", cfg.Checkpoint.Backend)
		}

		summaries, err := lister.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No threads.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "THREAD\tPHASE\tMESSAGES\tUPDATED")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ThreadID, s.Phase, s.Messages, s.Updated.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print the conversation of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, closeStore, err := newStore(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = closeStore() }()

		thread, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Thread %s (phase %s, %d round-trips)\n\n", thread.ID, thread.Phase, thread.RoundTrips)
		for _, m := range thread.Messages {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m core.Message) {
	switch m.Kind {
	case core.KindUser:
		color.New(color.FgCyan).Printf("You: %s\n", m.Text)
	case core.KindAssistant:
		color.New(color.FgGreen).Printf("Assistant: %s\n", m.Text)
	case core.KindInvocationRequest:
		if m.Invocation != nil {
			color.New(color.Faint).Printf("  -> %s(%v)\n", m.Invocation.Capability, m.Invocation.Arguments)
		}
	case core.KindInvocationResult:
		if m.Result == nil {
			return
		}
		if m.Result.Failed() {
			color.New(color.FgRed).Printf("  <- %s failed\n", m.Result.Capability)
		} else {
			color.New(color.Faint).Printf("  <- %s ok\n", m.Result.Capability)
		}
	}
}

func init() {
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
}
