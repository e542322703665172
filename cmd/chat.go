package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/remphq/opsassist/core/fault"
	"github.com/remphq/opsassist/core/graph"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive assistant session",
	Long: `Start an interactive session. Each line is one request; answers
stream as they are generated. Type "exit" to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "session identifier (defaults to a fresh one)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	session := chatSession
	if session == "" {
		session = uuid.NewString()
	}

	fmt.Printf("opsassist ready (session %s). Type a request, or \"exit\".\n", session)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") {
			break
		}

		events, err := a.engine.Submit(ctx, session, line)
		if err != nil {
			if fault.IsKind(err, fault.KindBusy) {
				fmt.Println("Still working on the previous request.")
				continue
			}
			fmt.Printf("Rejected: %v\n", err)
			continue
		}

		if err := renderEvents(events); err != nil {
			if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
				return nil
			}
			fmt.Printf("\nError: %v\n", err)
		}
	}
	return scanner.Err()
}

// renderEvents prints a response stream: tokens as they arrive, then
// the structured parts of the final payload.
func renderEvents(events <-chan graph.Event) error {
	streamed := false
	for ev := range events {
		switch ev.Type {
		case graph.EventToken:
			fmt.Print(ev.Token)
			streamed = true
		case graph.EventFinal:
			if streamed {
				fmt.Println()
			} else if ev.Final.Text != "" {
				fmt.Println(ev.Final.Text)
			}
			for i, opt := range ev.Final.Options {
				fmt.Printf("  %d. %s\n", i+1, opt)
			}
			if len(ev.Final.Degraded) > 0 {
				fmt.Printf("  [partial answer: %s]\n", strings.Join(ev.Final.Degraded, "; "))
			}
		case graph.EventError:
			return ev.Err
		}
	}
	return nil
}
