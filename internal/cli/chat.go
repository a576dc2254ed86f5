// chat.go implements "agentctl chat", a one-shot or interactive conversation.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/agentd/internal/client"
)

var (
	chatModel    string
	chatSession  string
	chatThinking int
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message to an agent session",
	Long: `Send one message and print the reply, or start an interactive
conversation when no message is given. Ctrl-C interrupts the running task;
type /exit to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatModel, "model", client.DefaultModel, "Model to initialize the agent with")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Resume an existing session by ID")
	chatCmd.Flags().IntVar(&chatThinking, "thinking", 0, "Thinking token budget")
}

func runChat(cmd *cobra.Command, args []string) error {
	c, err := client.New(client.Options{
		BaseURL:        serverURL,
		DeviceID:       deviceID,
		ModelName:      chatModel,
		SessionID:      chatSession,
		ThinkingTokens: chatThinking,
		Logger:         slog.Default(),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session %s (workspace %s)\n", c.SessionID(), c.WorkspacePath())

	if len(args) > 0 {
		return ask(ctx, cmd.OutOrStdout(), c, strings.Join(args, " "))
	}
	return interactive(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), c)
}

func interactive(ctx context.Context, in io.Reader, out io.Writer, c *client.Client) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		if err := ask(ctx, out, c, line); err != nil {
			if !errors.Is(err, client.ErrAgent) {
				return err
			}
			fmt.Fprintln(out, "error:", err)
		}
	}
}

// ask sends one message. The first Ctrl-C while waiting interrupts the task.
func ask(ctx context.Context, out io.Writer, c *client.Client, text string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigs:
			if err := c.Interrupt(ctx); err != nil {
				slog.Warn("Failed to interrupt task", "error", err)
			}
		case <-done:
		}
	}()

	reply, err := c.SendMessage(ctx, text)
	if reply != "" {
		fmt.Fprintln(out, reply)
	}
	return err
}
