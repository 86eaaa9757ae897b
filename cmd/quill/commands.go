package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillhq/quill/internal/agent"
	"github.com/quillhq/quill/internal/config"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "quill",
		Short:         "Self-hosted AI assistant runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default quill.yaml)")

	root.AddCommand(
		newChatCommand(&configPath),
		newStatusCommand(&configPath),
		newHealthCommand(&configPath),
		newMemoryCommand(&configPath),
		newRetrospectsCommand(&configPath),
	)
	return root
}

// loadRuntime builds the runtime from the resolved config path.
func loadRuntime(configPath string) (*agent.Runtime, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("QUILL_CONFIG")
	}
	if path == "" {
		path = "quill.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return agent.NewRuntime(cfg, nil)
}

// signalContext cancels on SIGINT/SIGTERM so an in-flight turn stops
// promptly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newChatCommand(configPath *string) *cobra.Command {
	var conversationID string
	var stream bool

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if !stream {
				result, err := rt.Chat(ctx, args[0], conversationID)
				if err != nil {
					return err
				}
				fmt.Println(result.Message.Content)
				fmt.Fprintf(os.Stderr, "[conversation %s, %d tokens]\n",
					result.ConversationID, result.Usage.Total())
				return nil
			}

			events, err := rt.ChatStream(ctx, args[0], conversationID)
			if err != nil {
				return err
			}
			for ev := range events {
				switch ev.Type {
				case agent.EventText:
					fmt.Print(ev.Text)
				case agent.EventToolStart:
					fmt.Fprintf(os.Stderr, "\n[tool %s started]\n", ev.ToolCall.Name)
				case agent.EventToolResult:
					status := "ok"
					if !ev.ToolResult.Success {
						status = ev.ToolResult.Error
					}
					fmt.Fprintf(os.Stderr, "[tool result: %s in %dms]\n", status, ev.ToolResult.DurationMS)
				case agent.EventError:
					return fmt.Errorf("%s (retriable=%v)", ev.ErrorText, ev.Retriable)
				case agent.EventDone:
					fmt.Println()
					fmt.Fprintf(os.Stderr, "[conversation %s]\n", ev.ConversationID)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the reply incrementally")
	return cmd
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print runtime status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSON(rt.Status(cmd.Context()))
		},
	}
}

func newHealthCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print component health",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printJSON(rt.Health(cmd.Context()))
		},
	}
}

func newMemoryCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect stored memories",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Keyword-search memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			hits, err := rt.Store().SearchKeywords(cmd.Context(), args[0], 10)
			if err != nil {
				return err
			}
			for _, hit := range hits {
				entry, err := rt.Store().Load(cmd.Context(), hit.ID)
				if err != nil {
					continue
				}
				fmt.Printf("%.2f  [%s] %s\n", hit.Score, entry.Kind, entry.Content)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := rt.Store().ListRecent(cmd.Context(), 20)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  [%s] %s\n", e.CreatedAt.Format(time.DateTime), e.Kind, e.Content)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a memory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.Store().Delete(cmd.Context(), args[0])
		},
	})

	return cmd
}

func newRetrospectsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retrospects [date]",
		Short: "Print retrospects for a date (default today)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			date := time.Now().Format("2006-01-02")
			if len(args) > 0 {
				date = args[0]
			}
			records, err := rt.Retrospector().List(date)
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
