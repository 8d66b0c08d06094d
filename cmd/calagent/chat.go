package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/calagent"
	"github.com/hupe1980/calagent/approval"
	"github.com/hupe1980/calagent/controller"
	"github.com/hupe1980/calagent/internal/config"
	"github.com/hupe1980/calagent/internal/util"
)

var chatThreadID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Starts a read-eval loop on a conversation thread. Type a request and the
assistant answers, calling calendar operations as needed. Mutating operations
print a confirmation prompt before they run. Type "exit" or "quit" to leave;
the thread stays checkpointed and can be picked up again with --thread.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatThreadID, "thread", "", "Thread id to continue; a fresh one is generated if empty")
}

var (
	promptColor    = color.New(color.FgCyan, color.Bold)
	assistantColor = color.New(color.FgGreen)
	warnColor      = color.New(color.FgYellow)
	errorColor     = color.New(color.FgRed)
)

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	stdin := bufio.NewScanner(os.Stdin)

	agent, closeStore, err := newAgent(cfg, func(o *calagent.Options) {
		o.Feedback = controller.FeedbackFunc(func(ctx context.Context, threadID string) (string, error) {
			warnColor.Println("The assistant needs guidance to continue.")
			return readLine(stdin, "Feedback: ")
		})
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	threadID := chatThreadID
	if threadID == "" {
		threadID = util.NewID()
		fmt.Printf("Starting thread %s\n", threadID)
	}

	// Confirmation prompts arrive on the approval channel while a turn is
	// in flight. Prompts never overlap (the REPL blocks in Send while a
	// confirmation or feedback read happens), so one shared scanner serves
	// all of them without readers stealing each other's buffered input.
	go confirmLoop(agent.Approvals(), agent.SubmitDecision, stdin)

	ctx := cmd.Context()
	for {
		line, err := readLine(stdin, "You: ")
		if err != nil {
			return nil // EOF ends the session
		}
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Println("Bye.")
			return nil
		}

		thread, err := agent.Send(ctx, threadID, line)
		switch {
		case err == nil:
			assistantColor.Printf("Assistant: %s\n", thread.LastAssistantText())
		case errors.Is(err, controller.ErrAwaitingApproval),
			errors.Is(err, controller.ErrAwaitingFeedback):
			warnColor.Printf("Turn suspended (%v). Resume with: calagent chat --thread %s\n", err, threadID)
			return nil
		case errors.Is(err, controller.ErrRunawayLoop):
			errorColor.Println("The assistant looped too long and was stopped. Try rephrasing.")
		default:
			errorColor.Printf("Error: %v\n", err)
		}
	}
}

// confirmLoop answers confirmation requests on the terminal. It runs for the
// lifetime of the chat session and shares the session's input scanner.
func confirmLoop(requests <-chan approval.Request, submit func(approval.Decision), stdin *bufio.Scanner) {
	for req := range requests {
		args, _ := json.MarshalIndent(req.Invocation.Arguments, "  ", "  ")
		warnColor.Printf("\nThe assistant wants to run %s:\n  %s\n", req.Invocation.Capability, args)

		answer, err := readLine(stdin, "Allow? [y/N]: ")
		if err != nil {
			answer = "n"
		}

		decision := approval.Decision{InvocationID: req.Invocation.ID}
		if strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes") {
			decision.Approved = true
		} else {
			feedback, err := readLine(stdin, "Why not? (shown to the assistant, optional): ")
			if err == nil {
				decision.Feedback = feedback
			}
		}
		submit(decision)
	}
}

func readLine(scanner *bufio.Scanner, prompt string) (string, error) {
	promptColor.Print(prompt)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("stdin closed")
	}
	return strings.TrimSpace(scanner.Text()), nil
}
