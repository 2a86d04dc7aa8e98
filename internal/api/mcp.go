package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rosetsky/nlq/internal/access"
	"github.com/rosetsky/nlq/internal/corpus"
	"github.com/rosetsky/nlq/internal/domain"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline   Answerer
	Ingester   IngestService
	Store      CorpusStore
	Classifier DomainLister
}

// DomainLister exposes the configured domains. *domain.Classifier
// satisfies it.
type DomainLister interface {
	Domains() []domain.Domain
}

// NewMCPServer creates an MCP server with the query tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"nlq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("nlq — turns natural-language questions into access-controlled SQL using schema-aware retrieval."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Turn a natural-language question into an access-controlled SQL query."),
			mcp.WithString("question", mcp.Description("The question to answer with a query"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Caller identity for the ownership predicate"), mcp.Required()),
			mcp.WithString("role", mcp.Description("Caller role: admin, manager or user (default user)")),
			mcp.WithString("scope", mcp.Description("Manager scope value, e.g. a department")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_context",
			mcp.WithDescription("Store schema, documentation or an example question/SQL pair into the retrieval corpus."),
			mcp.WithString("title", mcp.Description("Title; for schema items, the table name")),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithString("category", mcp.Description("One of: schema, documentation, exemplar (default documentation)")),
			mcp.WithArray("tags", mcp.Description("Optional tags for categorization")),
		),
		mcpIngestContext(deps),
	)

	s.AddTool(
		mcp.NewTool("list_domains",
			mcp.WithDescription("List the configured topical domains and their scoped tables."),
		),
		mcpListDomains(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"nlq://domains",
			"Configured Domains",
			mcp.WithResourceDescription("Domain configuration as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDomains(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"nlq://recent",
			"Recent Queries",
			mcp.WithResourceDescription("Last 10 question/query runs (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		role := req.GetString("role", string(access.RoleUser))
		scope := req.GetString("scope", "")

		ac := access.Context{UserID: userID, Role: access.Role(role), Scope: scope}
		a, err := deps.Pipeline.Answer(ctx, question, ac, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("query generation failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"query":         a.QueryText,
			"rewritten_sql": a.RewrittenSQL,
			"backend_used":  a.BackendUsed,
			"domain":        a.Meta.Domain,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIngestContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		title := req.GetString("title", "")
		category := req.GetString("category", corpus.CategoryDocumentation)
		tags := req.GetStringSlice("tags", nil)

		ids, err := deps.Ingester.Add(title, content, category, tags)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored %d corpus item(s): %v", len(ids), ids)), nil
	}
}

func mcpListDomains(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Classifier.Domains())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal domains: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceDomains(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Classifier.Domains())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal domains: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.RecentInteractions(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Question  string `json:"question"`
			Status    string `json:"status"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			question := ix.Question
			if utf8.RuneCountInString(question) > 200 {
				runes := []rune(question)
				question = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:        ix.ID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				Question:  question,
				Status:    ix.Status,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
