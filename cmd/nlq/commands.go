package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rosetsky/nlq/internal/config"
	"github.com/rosetsky/nlq/internal/ingest"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Turn a natural-language question into a SQL query",
	Long: `Turn a natural-language question into an access-controlled SQL query.

Examples:
  nlq ask "how many orders were placed last week?" --user u1
  nlq ask "top customers by revenue" --user u2 --role manager --scope sales
  nlq ask "show all users" --user admin1 --role admin`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		userID, _ := cmd.Flags().GetString("user")
		role, _ := cmd.Flags().GetString("role")
		scope, _ := cmd.Flags().GetString("scope")
		backendsStr, _ := cmd.Flags().GetString("backends")

		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		req := map[string]any{
			"question": question,
			"user_id":  userID,
			"role":     role,
		}
		if scope != "" {
			req["scope"] = scope
		}
		if backendsStr != "" {
			var order []string
			for _, id := range strings.Split(backendsStr, ",") {
				if id = strings.TrimSpace(id); id != "" {
					order = append(order, id)
				}
			}
			req["backends"] = order
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/query", req)
		if err != nil {
			return err
		}

		var result struct {
			Query        string `json:"query"`
			RewrittenSQL string `json:"rewritten_sql"`
			BackendUsed  string `json:"backend_used"`
			Domain       string `json:"domain"`
			ElapsedMs    int64  `json:"elapsed_ms"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.RewrittenSQL)
		printStatus("Domain", "%s", result.Domain)
		printStatus("Backend", "%s", result.BackendUsed)
		printStatus("Elapsed", "%dms", result.ElapsedMs)
		return nil
	},
}

func init() {
	askCmd.Flags().String("user", "", "caller identity for the ownership predicate")
	askCmd.Flags().String("role", "user", "caller role: admin, manager or user")
	askCmd.Flags().String("scope", "", "manager scope value, e.g. a department")
	askCmd.Flags().String("backends", "", "comma-separated backend order override")
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest content into the retrieval corpus",
	Long: `Ingest schema, documentation or exemplar content into the retrieval corpus.

Examples:
  nlq ingest --text "orders(id, total, user_id, created_at)" --title orders --category schema
  nlq ingest --file ./runbook.md --category documentation --tags billing
  nlq ingest --file ./schema.pdf --title "warehouse schema" --category schema`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		category, _ := cmd.Flags().GetString("category")
		tagsStr, _ := cmd.Flags().GetString("tags")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		var tags []string
		if tagsStr != "" {
			tags = strings.Split(tagsStr, ",")
			for i := range tags {
				tags[i] = strings.TrimSpace(tags[i])
			}
		}

		content := text
		if file != "" {
			extracted, err := ingest.ExtractFile(file)
			if err != nil {
				return fmt.Errorf("extracting %s: %w", file, err)
			}
			content = extracted
			if title == "" {
				title = file
			}
		}

		req := map[string]any{
			"content":  content,
			"category": category,
		}
		if title != "" {
			req["title"] = title
		}
		if tags != nil {
			req["tags"] = tags
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/ingest", req)
		if err != nil {
			return err
		}

		var result struct {
			IDs    []string `json:"ids"`
			Status string   `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %d corpus item(s)", len(result.IDs))
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (.txt, .md, .html, .pdf)")
	ingestCmd.Flags().String("title", "", "title; for schema items, the table name")
	ingestCmd.Flags().String("category", "documentation", "one of: schema, documentation, exemplar")
	ingestCmd.Flags().String("tags", "", "comma-separated tags")
}

// --- corpus ---

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Manage the retrieval corpus",
}

var corpusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored corpus items",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/corpus")
		if err != nil {
			return err
		}

		var items []struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			Category string `json:"category"`
			Chars    int    `json:"chars"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("Corpus is empty.")
			return nil
		}

		for _, it := range items {
			fmt.Printf("%s  %-13s %6d chars  %s\n",
				colorize(colorCyan, it.ID[:8]),
				it.Category,
				it.Chars,
				it.Title,
			)
		}
		return nil
	},
}

var corpusDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a corpus item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/corpus/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var corpusPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all corpus items and interaction history",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL stored data. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		failures, err := purgeEndpoint(cmd.Context(), client, "/v1/corpus")
		if err != nil {
			return err
		}
		ixFailures, err := purgeEndpoint(cmd.Context(), client, "/v1/interactions")
		if err != nil {
			return err
		}
		failures += ixFailures

		if failures > 0 {
			printWarning("Purged with %d failure(s)", failures)
			return nil
		}
		printSuccess("All data purged")
		return nil
	},
}

// purgeEndpoint lists IDs at path page by page and deletes each one,
// returning how many deletes failed.
func purgeEndpoint(ctx context.Context, client *apiClient, path string) (int, error) {
	failures := 0
	for {
		resp, err := client.get(ctx, path+"?limit=100")
		if err != nil {
			return failures, err
		}
		var records []struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &records); err != nil {
			return failures, err
		}
		if len(records) == 0 {
			return failures, nil
		}
		deleted := 0
		for _, rec := range records {
			delResp, err := client.delete(ctx, path+"/"+rec.ID)
			if err != nil {
				return failures, err
			}
			delResp.Body.Close()
			if delResp.StatusCode >= 400 {
				failures++
				continue
			}
			deleted++
		}
		// Everything left failed to delete; stop instead of spinning.
		if deleted == 0 {
			return failures, nil
		}
	}
}

func init() {
	corpusPurgeCmd.Flags().Bool("confirm", false, "confirm data purge")
	corpusCmd.AddCommand(corpusListCmd)
	corpusCmd.AddCommand(corpusDeleteCmd)
	corpusCmd.AddCommand(corpusPurgeCmd)
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Inspect the query audit log",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent question/query runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/interactions?limit=%d", limit))
		if err != nil {
			return err
		}

		var interactions []struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Question  string `json:"question"`
			Status    string `json:"status"`
		}
		if err := decodeJSON(resp, &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}

		for _, ix := range interactions {
			question := ix.Question
			if len(question) > 80 {
				question = question[:80] + "..."
			}
			fmt.Printf("%s  %s  %-8s  %s\n",
				colorize(colorCyan, ix.ID[:8]),
				ix.CreatedAt,
				ix.Status,
				question,
			)
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/interactions/"+args[0])
		if err != nil {
			return err
		}

		var interaction any
		if err := decodeJSON(resp, &interaction); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(interaction)
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
}

// --- domains ---

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "List the configured topical domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/domains")
		if err != nil {
			return err
		}

		var domains []struct {
			Name     string   `json:"name"`
			Keywords []string `json:"keywords"`
			Tables   []string `json:"tables"`
		}
		if err := decodeJSON(resp, &domains); err != nil {
			return err
		}

		if len(domains) == 0 {
			fmt.Println("No domains configured; all questions classify as general.")
			return nil
		}

		for _, d := range domains {
			fmt.Printf("%s\n", colorize(colorBold, d.Name))
			fmt.Printf("  keywords: %s\n", strings.Join(d.Keywords, ", "))
			fmt.Printf("  tables:   %s\n", strings.Join(d.Tables, ", "))
		}
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backend usage and corpus statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/stats")
		if err != nil {
			return err
		}

		var stats struct {
			Backends map[string]struct {
				Calls          int64 `json:"calls"`
				Successes      int64 `json:"successes"`
				Failures       int64 `json:"failures"`
				TotalElapsedMs int64 `json:"total_elapsed_ms"`
			} `json:"backends"`
			Corpus struct {
				Total      int            `json:"total"`
				ByCategory map[string]int `json:"by_category"`
			} `json:"corpus"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		for id, b := range stats.Backends {
			printStatus(id, "%d calls, %d ok, %d failed, %dms total", b.Calls, b.Successes, b.Failures, b.TotalElapsedMs)
		}
		printStatus("Corpus", "%d item(s)", stats.Corpus.Total)
		for category, n := range stats.Corpus.ByCategory {
			printStatus("  "+category, "%d", n)
		}
		return nil
	},
}

var statsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset backend usage counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/stats/reset", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Usage counters reset")
		return nil
	},
}

func init() {
	statsCmd.AddCommand(statsResetCmd)
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
