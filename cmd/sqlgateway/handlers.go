package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/shakram02/sqlgateway"
)

type toolFunc func(ctx context.Context, args map[string]any) (any, error)

type toolHandler struct {
	tool Tool
	run  toolFunc
}

func str(desc string) Property  { return Property{Type: "string", Description: desc} }
func num(desc string) Property  { return Property{Type: "integer", Description: desc} }
func flag(desc string) Property { return Property{Type: "boolean", Description: desc} }

func object(props map[string]Property, required ...string) InputSchema {
	if props == nil {
		props = map[string]Property{}
	}
	if required == nil {
		required = []string{}
	}
	return InputSchema{Type: "object", Properties: props, Required: required}
}

func (s *Server) toolHandlers() map[string]toolHandler {
	tableArgs := map[string]Property{
		"table":  str("Table name, optionally schema-qualified"),
		"schema": str("Schema; defaults to the connection's default schema"),
	}
	schemaArg := map[string]Property{"schema": str("Schema; defaults to the connection's default schema")}

	handlers := []toolHandler{
		{
			tool: Tool{
				Name:        "query",
				Description: "Execute a read-only SQL query (SELECT or WITH only)",
				InputSchema: object(map[string]Property{
					"sql":                   str("The SQL query to execute"),
					"max_rows":              num("Row cap; defaults to the configured ceiling"),
					"exclude_large_columns": flag("Drop TEXT/BLOB-like columns from the result"),
				}, "sql"),
			},
			run: s.executeQuery,
		},
		{
			tool: Tool{Name: "list_tables", Description: "List tables in a schema",
				InputSchema: object(map[string]Property{
					"schema":  str("Schema to list"),
					"pattern": str("Optional LIKE pattern for table names"),
				})},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.ListTables(ctx, stringArg(args, "schema"), stringArg(args, "pattern"))
			},
		},
		{
			tool: Tool{Name: "describe_table", Description: "Columns, keys and row count of a table",
				InputSchema: object(tableArgs, "table")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.GetTableInfo(ctx, stringArg(args, "table"), stringArg(args, "schema"))
			},
		},
		{
			tool: Tool{Name: "row_count", Description: "Count rows, optionally with a WHERE expression",
				InputSchema: object(map[string]Property{
					"table":  str("Table name"),
					"schema": str("Schema"),
					"filter": str("WHERE expression without the WHERE keyword"),
				}, "table")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				n, err := s.gw.GetRowCount(ctx, stringArg(args, "table"), stringArg(args, "schema"), stringArg(args, "filter"))
				if err != nil {
					return nil, err
				}
				return map[string]int64{"rowCount": n}, nil
			},
		},
		{
			tool: Tool{Name: "list_schemas", Description: "List schemas", InputSchema: object(nil)},
			run: func(ctx context.Context, _ map[string]any) (any, error) {
				return s.gw.ListSchemas(ctx)
			},
		},
		{
			tool: Tool{Name: "list_views", Description: "List views in a schema", InputSchema: object(schemaArg)},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.ListViews(ctx, stringArg(args, "schema"))
			},
		},
		{
			tool: Tool{Name: "view_definition", Description: "SQL definition of a view",
				InputSchema: object(map[string]Property{"view": str("View name"), "schema": str("Schema")}, "view")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.GetViewDefinition(ctx, stringArg(args, "view"), stringArg(args, "schema"))
			},
		},
		{
			tool: Tool{Name: "indexes", Description: "Indexes of a table", InputSchema: object(tableArgs, "table")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.GetIndexes(ctx, stringArg(args, "table"), stringArg(args, "schema"))
			},
		},
		{
			tool: Tool{Name: "foreign_keys", Description: "Foreign keys declared on a table", InputSchema: object(tableArgs, "table")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.GetForeignKeys(ctx, stringArg(args, "table"), stringArg(args, "schema"))
			},
		},
		{
			tool: Tool{Name: "procedures", Description: "Stored procedures and functions", InputSchema: object(schemaArg)},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.ListStoredProcedures(ctx, stringArg(args, "schema"))
			},
		},
		{
			tool: Tool{Name: "table_stats", Description: "Size and row statistics of a table", InputSchema: object(tableArgs, "table")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.GetTableStatistics(ctx, stringArg(args, "table"), stringArg(args, "schema"))
			},
		},
		{
			tool: Tool{Name: "explain", Description: "Execution plan of a read-only query",
				InputSchema: object(map[string]Property{"sql": str("Query to explain")}, "sql")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.ExplainQuery(ctx, stringArg(args, "sql"))
			},
		},
		{
			tool: Tool{Name: "sample", Description: "Sample rows from a table",
				InputSchema: object(map[string]Property{
					"table":                 str("Table name"),
					"schema":                str("Schema"),
					"limit":                 num("Number of rows"),
					"random":                flag("Random rather than first rows"),
					"exclude_large_columns": flag("Drop TEXT/BLOB-like columns"),
				}, "table")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.SampleTableData(ctx, stringArg(args, "table"), stringArg(args, "schema"), sqlgateway.SampleOptions{
					Limit:               intArg(args, "limit", sqlgateway.DefaultSampleSize),
					Random:              boolArg(args, "random"),
					ExcludeLargeColumns: boolArg(args, "exclude_large_columns"),
				})
			},
		},
		{
			tool: Tool{Name: "transaction", Description: "Run several read-only queries in one consistent snapshot",
				InputSchema: object(map[string]Property{
					"statements": {Type: "array", Description: "Queries in execution order", Items: &Property{Type: "string"}},
				}, "statements")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.ExecuteTransaction(ctx, stringSliceArg(args, "statements"))
			},
		},
		{
			tool: Tool{Name: "stream_query", Description: "Read a large result in batches; returns the batches read",
				InputSchema: object(map[string]Property{
					"sql":         str("The SQL query to execute"),
					"batch_size":  num("Rows per batch"),
					"max_batches": num("Stop after this many batches"),
				}, "sql")},
			run: s.streamQuery,
		},
		{
			tool: Tool{Name: "list_templates", Description: "List query templates", InputSchema: object(nil)},
			run: func(context.Context, map[string]any) (any, error) {
				return s.gw.Templates().List(), nil
			},
		},
		{
			tool: Tool{Name: "run_template", Description: "Render and execute a query template",
				InputSchema: object(map[string]Property{
					"id":     str("Template id"),
					"params": {Type: "object", Description: "Template parameters by name"},
				}, "id")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.ExecuteTemplate(ctx, stringArg(args, "id"), stringMapArg(args, "params"))
			},
		},
		{
			tool: Tool{Name: "compare_tables", Description: "Structural diff of two tables",
				InputSchema: object(map[string]Property{
					"table_a":  str("First table"),
					"schema_a": str("Schema of the first table"),
					"table_b":  str("Second table"),
					"schema_b": str("Schema of the second table"),
				}, "table_a", "table_b")},
			run: func(ctx context.Context, args map[string]any) (any, error) {
				return s.gw.CompareTables(ctx,
					stringArg(args, "table_a"), stringArg(args, "schema_a"),
					stringArg(args, "table_b"), stringArg(args, "schema_b"))
			},
		},
		{
			tool: Tool{Name: "query_stats", Description: "Statistics over recently logged queries", InputSchema: object(nil)},
			run: func(context.Context, map[string]any) (any, error) {
				return map[string]any{
					"stats":   s.gw.QueryStats(),
					"entries": s.gw.QueryLogEntries(),
				}, nil
			},
		},
		{
			tool: Tool{Name: "clear_cache", Description: "Drop cached metadata", InputSchema: object(nil)},
			run: func(ctx context.Context, _ map[string]any) (any, error) {
				if err := s.gw.ClearCache(ctx); err != nil {
					return nil, err
				}
				return map[string]bool{"cleared": true}, nil
			},
		},
	}

	out := make(map[string]toolHandler, len(handlers))
	for _, h := range handlers {
		out[h.tool.Name] = h
	}
	return out
}

func (s *Server) handleInitialize(params json.RawMessage) (*InitializeResult, *rpcError) {
	var initParams initializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &rpcError{
				Code:    InvalidParams,
				Message: "Invalid initialize parameters",
				Data:    err.Error(),
			}
		}
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.logger.Info("client initialized", "client", initParams.ClientInfo.Name, "version", initParams.ClientInfo.Version)

	res := &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      implementation{Name: ServerName, Version: ServerVersion},
	}
	res.Capabilities.Tools = &capability{}
	res.Capabilities.Resources = &capability{}
	return res, nil
}

func (s *Server) handleListTools() (*ListToolsResult, *rpcError) {
	tools := make([]Tool, 0, len(s.tools))
	for _, name := range toolOrder {
		if h, ok := s.tools[name]; ok {
			tools = append(tools, h.tool)
		}
	}
	return &ListToolsResult{Tools: tools}, nil
}

var toolOrder = []string{
	"query", "list_tables", "describe_table", "row_count", "list_schemas", "list_views",
	"view_definition", "indexes", "foreign_keys", "procedures", "table_stats", "explain",
	"sample", "transaction", "stream_query", "list_templates", "run_template",
	"compare_tables", "query_stats", "clear_cache",
}

func (s *Server) handleCallTool(ctx context.Context, params json.RawMessage) (*CallToolResult, *rpcError) {
	var callParams callToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, &rpcError{
			Code:    InvalidParams,
			Message: "Invalid parameters",
			Data:    err.Error(),
		}
	}

	h, ok := s.tools[callParams.Name]
	if !ok {
		return nil, &rpcError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Unknown tool: %s", callParams.Name),
		}
	}
	if callParams.Arguments == nil {
		callParams.Arguments = map[string]any{}
	}
	for _, name := range h.tool.InputSchema.Required {
		if _, present := callParams.Arguments[name]; !present {
			return nil, &rpcError{
				Code:    InvalidParams,
				Message: fmt.Sprintf("Missing or invalid '%s' parameter", name),
			}
		}
	}

	result, err := h.run(ctx, callParams.Arguments)
	if err != nil {
		s.logger.Debug("tool failed", "tool", callParams.Name, "error", err)
		return errorResult(err), nil
	}
	return jsonResult(result), nil
}

func (s *Server) executeQuery(ctx context.Context, args map[string]any) (any, error) {
	sqlQuery := stringArg(args, "sql")
	if sqlQuery == "" {
		return nil, &rpcError{Code: InvalidParams, Message: "Missing or invalid 'sql' parameter"}
	}
	return s.gw.ExecuteQuery(ctx, sqlQuery, sqlgateway.QueryOptions{
		RowCap:              intArg(args, "max_rows", -1),
		ExcludeLargeColumns: boolArg(args, "exclude_large_columns"),
	})
}

type streamSummary struct {
	Mode      sqlgateway.StreamingMode `json:"mode"`
	Columns   []string                 `json:"columns"`
	Batches   [][]sqlgateway.Row       `json:"batches"`
	Exhausted bool                     `json:"exhausted"`
}

func (s *Server) streamQuery(ctx context.Context, args map[string]any) (any, error) {
	stream, err := s.gw.ExecuteQueryStream(ctx, stringArg(args, "sql"), intArg(args, "batch_size", sqlgateway.DefaultBatchSize))
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	maxBatches := intArg(args, "max_batches", 10)
	summary := streamSummary{Mode: stream.Mode(), Batches: [][]sqlgateway.Row{}}
	for len(summary.Batches) < maxBatches {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			summary.Exhausted = true
			break
		}
		if err != nil {
			return nil, err
		}
		summary.Batches = append(summary.Batches, batch)
	}
	summary.Columns = stream.Columns()
	return summary, nil
}

// resourceURI builds URIs of the form <dialect>://<instance>/<schema>/<table>/schema.
func (s *Server) resourceURI(schema, table string) string {
	return fmt.Sprintf("%s://%s/%s/%s/schema", s.gw.Dialect(), url.PathEscape(s.gw.Adapter().Name()),
		url.PathEscape(schema), url.PathEscape(table))
}

func (s *Server) handleListResources(ctx context.Context) (*ListResourcesResult, *rpcError) {
	schema, err := s.gw.Adapter().DefaultSchema(ctx)
	if err != nil {
		return nil, &rpcError{Code: InternalError, Message: fmt.Sprintf("Failed to resolve schema: %v", err)}
	}
	tables, err := s.gw.ListTables(ctx, schema, "")
	if err != nil {
		return nil, &rpcError{Code: InternalError, Message: fmt.Sprintf("Failed to list tables: %v", err)}
	}

	resources := make([]Resource, 0, len(tables))
	for _, table := range tables {
		resources = append(resources, Resource{
			URI:      s.resourceURI(schema, table),
			Name:     fmt.Sprintf("Schema for table '%s'", table),
			MimeType: "application/json",
		})
	}
	return &ListResourcesResult{Resources: resources}, nil
}

func (s *Server) handleReadResource(ctx context.Context, params json.RawMessage) (*ReadResourceResult, *rpcError) {
	var readParams struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &readParams); err != nil {
		return nil, &rpcError{
			Code:    InvalidParams,
			Message: "Invalid parameters",
			Data:    err.Error(),
		}
	}

	uri := readParams.URI
	prefix := string(s.gw.Dialect()) + "://"
	if !strings.HasPrefix(uri, prefix) {
		return nil, &rpcError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("Invalid resource URI: must start with %s", prefix),
		}
	}

	parts := strings.Split(strings.TrimPrefix(uri, prefix), "/")
	if len(parts) != 4 || parts[3] != "schema" {
		return nil, &rpcError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("Invalid resource URI format: expected %sinstance/schema/table/schema", prefix),
		}
	}
	schema, err1 := url.PathUnescape(parts[1])
	table, err2 := url.PathUnescape(parts[2])
	if err := errors.Join(err1, err2); err != nil {
		return nil, &rpcError{Code: InvalidParams, Message: "Invalid resource URI escaping", Data: err.Error()}
	}

	info, err := s.gw.GetTableInfo(ctx, table, schema)
	if err != nil {
		return nil, &rpcError{Code: InternalError, Message: fmt.Sprintf("Failed to get schema: %v", err)}
	}
	schemaJSON, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, &rpcError{Code: InternalError, Message: fmt.Sprintf("Failed to marshal schema: %v", err)}
	}

	return &ReadResourceResult{
		Contents: []ResourceContent{
			{
				URI:      uri,
				MimeType: "application/json",
				Text:     string(schemaJSON),
			},
		},
	}, nil
}

func jsonResult(v any) *CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("failed to marshal result: %w", err))
	}
	return &CallToolResult{Content: []Content{{Type: "text", Text: string(data)}}}
}

func errorResult(err error) *CallToolResult {
	var ve *sqlgateway.ValidationError
	text := fmt.Sprintf("Query error: %v", err)
	if errors.As(err, &ve) {
		text = fmt.Sprintf("Query rejected: %v", err)
	}
	return &CallToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

func stringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return strings.TrimSpace(v)
}

// intArg accepts JSON numbers and numeric strings.
func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func boolArg(args map[string]any, name string) bool {
	v, _ := args[name].(bool)
	return v
}

func stringSliceArg(args map[string]any, name string) []string {
	raw, _ := args[name].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stringMapArg stringifies scalar values so numbers can be passed unquoted.
func stringMapArg(args map[string]any, name string) map[string]string {
	raw, _ := args[name].(map[string]any)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = fmt.Sprint(t)
		case bool:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
