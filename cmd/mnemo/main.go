package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/mnemo"
	"github.com/liliang-cn/mnemo/pkg/capability"
	"github.com/liliang-cn/mnemo/pkg/core"
)

var (
	dbPath     string
	userID     string
	dimensions int
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "CLI tool for the mnemo per-user memory store",
	Long:  `A command-line interface for inspecting and driving a mnemo memory database.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new memory database",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := core.New(dbPath, dimensions)
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
		defer store.Close()

		ctx := context.Background()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}

		fmt.Printf("memory database initialized at %s with %d dimensions\n", dbPath, dimensions)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id> <message>",
	Short: "Append a message and print the memories retrieved for it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]

		eng, store, err := openEngine()
		if err != nil {
			return err
		}
		defer store.Close()
		eng.Start()
		defer eng.Stop()

		ctx := context.Background()
		answer, err := eng.AssembleAndAnswer(ctx, userID, conversationID, text)
		if err != nil {
			return fmt.Errorf("assemble failed: %w", err)
		}

		if asJSON {
			data, _ := json.MarshalIndent(map[string]interface{}{
				"assistant_text":       answer.AssistantText,
				"cited_memory_ids":     answer.CitedMemoryIDs,
				"assistant_message_id": answer.AssistantMessageID,
				"results":              answer.Results,
				"summary":              answer.Summary,
			}, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("retrieved %d memories:\n", len(answer.Results))
		for i, r := range answer.Results {
			fmt.Printf("%d. [%.3f] %s: %s\n", i+1, r.Fused, r.Memory.Type, r.Memory.Text)
		}
		if answer.Summary != nil {
			fmt.Printf("\nrolling summary: %s\n", answer.Summary.Text)
		}
		if answer.AssistantText != "" {
			fmt.Printf("\nassistant: %s\n", answer.AssistantText)
		}
		return nil
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and curate memories",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's most recent memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		mems, err := store.RecentMemories(ctx, userID, "", limit)
		if err != nil {
			return fmt.Errorf("failed to list memories: %w", err)
		}

		if asJSON {
			data, _ := json.MarshalIndent(mems, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, m := range mems {
			pin := " "
			if m.Pinned {
				pin = "*"
			}
			fmt.Printf("%s %s [%s] (%.2f) %s\n", pin, m.ID, m.Type, m.Confidence, m.Text)
		}
		return nil
	},
}

var memoryPinCmd = &cobra.Command{
	Use:   "pin <memory-id>",
	Short: "Pin a memory so retrieval always floors its score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		unpin, _ := cmd.Flags().GetBool("unpin")
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if err := store.SetPinned(ctx, userID, args[0], !unpin); err != nil {
			return fmt.Errorf("failed to set pinned: %w", err)
		}
		fmt.Printf("memory %s pinned=%v\n", args[0], !unpin)
		return nil
	},
}

var memoryMarkBadCmd = &cobra.Command{
	Use:   "mark-bad <memory-id>",
	Short: "Exclude a memory from future retrieval without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, _ := cmd.Flags().GetBool("undo")
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if err := store.MarkBad(ctx, userID, args[0], !undo); err != nil {
			return fmt.Errorf("failed to mark bad: %w", err)
		}
		fmt.Printf("memory %s bad=%v\n", args[0], !undo)
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect background tasks",
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a background task's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		task, err := store.GetTask(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		if asJSON {
			data, _ := json.MarshalIndent(task, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("task %s kind=%s status=%s attempts=%d last_error=%q\n",
			task.ID, task.Kind, task.Status, task.Attempts, task.LastError)
		return nil
	},
}

func openStore() (*core.Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path not specified")
	}
	store, err := core.New(dbPath, dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return store, nil
}

// openEngine wires an Engine for CLI use with a hash-based local embedder.
// The CLI has no opinion on which LLM provider to call, so completion stays
// unset: chat retrieves memories and the rolling summary but skips the
// Responder step and prints no answer, and extraction/summarization/insight
// tasks fail fast since they too need a real Completion. Callers embedding
// mnemo in a real application supply one through mnemo.WithCompletion.
func openEngine() (*mnemo.Engine, *core.Store, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	eng := mnemo.New(store,
		mnemo.WithEmbedder(capability.NewFakeEmbedder(dimensions)),
	)
	return eng, store, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "mnemo.db", "Database file path")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User ID to scope the operation to")
	rootCmd.PersistentFlags().IntVarP(&dimensions, "dimensions", "n", 1536, "Vector dimensions")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output as JSON")
	rootCmd.MarkPersistentFlagRequired("user")

	memoryListCmd.Flags().Int("limit", 20, "Maximum number of memories to list")
	memoryPinCmd.Flags().Bool("unpin", false, "Unpin instead of pin")
	memoryMarkBadCmd.Flags().Bool("undo", false, "Clear the bad flag instead of setting it")

	memoryCmd.AddCommand(memoryListCmd, memoryPinCmd, memoryMarkBadCmd)
	taskCmd.AddCommand(taskStatusCmd)
	rootCmd.AddCommand(initCmd, chatCmd, memoryCmd, taskCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
