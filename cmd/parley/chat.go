package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/chat"
	"github.com/haasonsaas/parley/internal/notify"
	"github.com/haasonsaas/parley/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		channelID  string
		model      string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(configPath, agentID, channelID, model)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&agentID, "agent", "default", "Agent ID for the session")
	cmd.Flags().StringVar(&channelID, "channel", "cli", "Channel ID for the session")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this session")
	return cmd
}

type runResult struct {
	msg *models.Message
	err error
}

func runChat(configPath, agentID, channelID, model string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := make(chan notify.Event, 256)
	a, err := buildApp(ctx, cfg, notify.NewChanSink(events))
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.orch.CreateOrGet(ctx, agentID, channelID)
	if err != nil {
		return err
	}
	if model != "" {
		if err := sess.SwitchModel(ctx, model); err != nil {
			return err
		}
	}

	fmt.Printf("parley chat (model %s). /help for commands, ctrl-d to exit.\n", sess.Model())

	reader := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !reader.Scan() {
			fmt.Println()
			return reader.Err()
		}
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := handleCommand(ctx, sess, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if done {
				return nil
			}
			continue
		}

		resultCh := make(chan runResult, 1)
		go func() {
			msg, err := sess.Run(ctx, line)
			resultCh <- runResult{msg: msg, err: err}
		}()

		if err := pumpEvents(ctx, a, events, resultCh, reader); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

// pumpEvents prints streamed output while a run is in flight and
// answers confirmation prompts from the same terminal.
func pumpEvents(ctx context.Context, a *app, events <-chan notify.Event, resultCh <-chan runResult, reader *bufio.Scanner) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-resultCh:
			fmt.Println()
			return res.err

		case ev := <-events:
			switch ev.Type {
			case notify.EventModelDelta:
				if ev.Text != nil {
					fmt.Print(ev.Text.Delta)
				}
			case notify.EventToolStarted:
				if ev.Tool != nil {
					fmt.Printf("\n[tool %s running]\n", ev.Tool.Name)
				}
			case notify.EventToolFinished:
				if ev.Tool != nil && ev.Tool.IsError {
					fmt.Printf("[tool %s failed: %s]\n", ev.Tool.Name, ev.Tool.Result)
				}
			case notify.EventConfirmationRequested:
				if ev.Confirmation == nil {
					continue
				}
				answer := promptConfirmation(reader, ev.Confirmation)
				approved := answer == "y" || answer == "a"
				remember := answer == "a"
				if err := a.gate.Resolve(ev.Confirmation.ExecutionID, approved, remember); err != nil {
					fmt.Fprintln(os.Stderr, "confirmation:", err)
				}
			case notify.EventRunExhausted:
				fmt.Println("\n[run stopped at iteration limit]")
			}
		}
	}
}

func promptConfirmation(reader *bufio.Scanner, c *notify.ConfirmationPayload) string {
	fmt.Printf("\nAllow tool %q? input: %s\n[y]es / [n]o / [a]lways: ", c.ToolName, string(c.Input))
	if !reader.Scan() {
		return "n"
	}
	return strings.ToLower(strings.TrimSpace(reader.Text()))
}

func handleCommand(ctx context.Context, sess *chat.Session, line string) (done bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/reset":
		return false, sess.Reset(ctx)
	case "/model":
		if len(fields) < 2 {
			fmt.Println("model:", sess.Model())
			return false, nil
		}
		return false, sess.SwitchModel(ctx, fields[1])
	case "/history":
		history, err := sess.History(ctx, 20)
		if err != nil {
			return false, err
		}
		for _, m := range history {
			content := m.Content
			if content == "" && len(m.ToolResults) > 0 {
				content = fmt.Sprintf("(%d tool results)", len(m.ToolResults))
			}
			fmt.Printf("%-9s %s\n", m.Role, content)
		}
		return false, nil
	case "/help":
		fmt.Println("/reset  clear history\n/model [name]  show or switch model\n/history  show recent messages\n/quit  exit")
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}
