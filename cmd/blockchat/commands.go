package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/blockchat/internal/blocks"
	"github.com/kalambet/blockchat/internal/config"
	"github.com/kalambet/blockchat/internal/thread"
)

// mainThreadArg names the main thread on the command line.
const mainThreadArg = "main"

// openStore opens the block store named by the configuration. Tests replace
// it with an in-memory store.
var openStore = func() (*blocks.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := blocks.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// withThreads opens the store, resolves the page argument and calls fn.
func withThreads(ctx context.Context, pageRef string, fn func(svc *thread.Service, page blocks.Page) error) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	page, err := store.ResolvePage(ctx, pageRef)
	if err != nil {
		return fmt.Errorf("page %q: %w", pageRef, err)
	}
	return fn(thread.NewService(store), page)
}

func threadArg(s string) string {
	if s == mainThreadArg {
		return thread.MainThread
	}
	return s
}

func threadLabel(id string) string {
	if id == thread.MainThread {
		return mainThreadArg
	}
	return id
}

// --- pages ---

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Create or list pages",
}

var pagesCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		p, err := store.CreatePage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p.ID)
		return nil
	},
}

var pagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		pages, err := store.ListPages(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, p := range pages {
			fmt.Fprintf(tw, "%s\t%s\n", p.ID, p.Name)
		}
		return tw.Flush()
	},
}

func init() {
	pagesCmd.AddCommand(pagesCreateCmd)
	pagesCmd.AddCommand(pagesListCmd)
}

// --- threads ---

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect and fork the threads of a page",
	Long: `Inspect and fork the threads of a page.

Thread commands open the store directly; the server does not need to run.
The main thread is named "main".`,
}

var threadsListCmd = &cobra.Command{
	Use:   "list <page>",
	Short: "List threads with their fork point and integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThreads(cmd.Context(), args[0], func(svc *thread.Service, page blocks.Page) error {
			threads, err := svc.GetAllThreadsInPage(cmd.Context(), page.ID)
			if err != nil {
				return err
			}
			current, err := svc.GetCurrentThreadID(cmd.Context(), page.ID)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(threads))
			for id := range threads {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "THREAD\tFORKED FROM\tBLOCKS\tVALID")
			for _, id := range ids {
				t := threads[id]
				label := threadLabel(id)
				if id == current {
					label = "* " + label
				}
				valid := colorize(colorGreen, "yes")
				if !t.IsValid {
					valid = colorize(colorRed, "no")
				}
				ref := t.ReferenceID
				if ref == "" {
					ref = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", label, ref, len(t.Blocks), valid)
			}
			return tw.Flush()
		})
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <page> [thread]",
	Short: "Print the messages of a thread (default: the page's current thread)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withThreads(cmd.Context(), args[0], func(svc *thread.Service, page blocks.Page) error {
			id := ""
			if len(args) == 2 {
				id = threadArg(args[1])
			} else {
				cur, err := svc.GetCurrentThreadID(cmd.Context(), page.ID)
				if err != nil {
					return err
				}
				id = cur
			}

			t, err := svc.GetThreadByThreadID(cmd.Context(), id, page.ID)
			if err != nil {
				return err
			}

			type message struct {
				BlockID string `json:"block_id"`
				Role    string `json:"role"`
				Content string `json:"content"`
			}
			var msgs []message
			for _, b := range t.Blocks {
				m, ok := thread.ParseMessage(b)
				if !ok {
					continue
				}
				msgs = append(msgs, message{BlockID: b.UUID, Role: string(m.Role), Content: m.Content})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"thread_id":    t.ThreadID,
					"reference_id": t.ReferenceID,
					"is_valid":     t.IsValid,
					"messages":     msgs,
				})
			}

			if !t.IsValid {
				printWarning("thread %s no longer matches the history it forked from", threadLabel(id))
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "%s %s\n%s\n\n", colorize(colorBold, "["+m.Role+"]"), colorize(colorCyan, m.BlockID), m.Content)
			}
			return nil
		})
	},
}

var threadsForkCmd = &cobra.Command{
	Use:   "fork <page> <block>",
	Short: "Allocate a thread id that forks after a block",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switchTo, _ := cmd.Flags().GetBool("switch")
		return withThreads(cmd.Context(), args[0], func(svc *thread.Service, page blocks.Page) error {
			id, err := svc.ForkThread(cmd.Context(), args[1], page.ID)
			if err != nil {
				return err
			}
			if switchTo {
				if err := svc.SetCurrentThreadID(cmd.Context(), page.ID, id); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var threadsVerifyCmd = &cobra.Command{
	Use:   "verify <page> <thread>",
	Short: "Check that a fork still matches the history it was created from",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThreads(cmd.Context(), args[0], func(svc *thread.Service, page blocks.Page) error {
			id := threadArg(args[1])
			ok, err := svc.ValidateThreadIntegrity(cmd.Context(), id, page.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("thread %s failed the integrity check", threadLabel(id))
			}
			printSuccess("thread %s is intact", threadLabel(id))
			return nil
		})
	},
}

var threadsUseCmd = &cobra.Command{
	Use:   "use <page> <thread>",
	Short: "Select the thread a page shows",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThreads(cmd.Context(), args[0], func(svc *thread.Service, page blocks.Page) error {
			return svc.SetCurrentThreadID(cmd.Context(), page.ID, threadArg(args[1]))
		})
	},
}

func init() {
	threadsShowCmd.Flags().Bool("json", false, "print the thread as JSON")
	threadsForkCmd.Flags().Bool("switch", false, "make the new thread the page's current thread")

	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsForkCmd)
	threadsCmd.AddCommand(threadsVerifyCmd)
	threadsCmd.AddCommand(threadsUseCmd)
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <page> <message>",
	Short: "Post a message to a running server and start the reply",
	Long: `Post a message to a running server and start the reply.

Examples:
  blockchat send notes "Summarize the last answer"
  blockchat send notes "Try again, shorter" --thread 7f3c... --reference 1a2b...
  blockchat send notes --cancel`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cancel, _ := cmd.Flags().GetBool("cancel")
		threadID, _ := cmd.Flags().GetString("thread")
		refID, _ := cmd.Flags().GetString("reference")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		base := "/pages/" + url.PathEscape(args[0])

		if cancel {
			resp, err := client.delete(cmd.Context(), base+"/job")
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Stopped the reply on %s", args[0])
			return nil
		}

		if len(args) < 2 || strings.TrimSpace(args[1]) == "" {
			return fmt.Errorf("a message is required")
		}
		if refID != "" && threadID == "" {
			return fmt.Errorf("--reference requires --thread")
		}

		resp, err := client.post(cmd.Context(), base+"/messages", map[string]string{
			"content":      args[1],
			"thread_id":    threadArg(threadID),
			"reference_id": refID,
		})
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusConflict {
			resp.Body.Close()
			printWarning("A reply is already running on %s", args[0])
			return nil
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Message %s posted, reply %s", result["user_block_id"], result["status"])
		return nil
	},
}

func init() {
	sendCmd.Flags().String("thread", "", "thread to post into (default: main)")
	sendCmd.Flags().String("reference", "", "block the thread forks from, for the first message of a fork")
	sendCmd.Flags().Bool("cancel", false, "stop the running reply instead of posting")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configSetCmd.Long = "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  ")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
