package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/shakram02/sqlgateway"
)

const maxMessageSize = 4 << 20

// Server speaks line-delimited JSON-RPC over a reader/writer pair, normally
// stdin and stdout. Logs never go to out.
type Server struct {
	gw     *sqlgateway.Gateway
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
	tools  map[string]toolHandler

	mu          sync.Mutex
	initialized bool
}

// NewServer serves gw over line-delimited JSON-RPC on in and out.
func NewServer(gw *sqlgateway.Gateway, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{gw: gw, in: in, out: out, logger: logger}
	s.tools = s.toolHandlers()
	return s
}

// Run serves requests until in is exhausted or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	enc := json.NewEncoder(s.out)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			response := s.handleMessage(ctx, []byte(line))
			if response == nil {
				continue
			}
			if err := enc.Encode(response); err != nil {
				s.logger.Error("failed to write response", "error", err)
			}
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, data []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error: &rpcError{
				Code:    ParseError,
				Message: "Parse error",
				Data:    err.Error(),
			},
		}
	}

	if req.JSONRPC != "2.0" {
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &rpcError{
				Code:    InvalidRequest,
				Message: "Invalid JSON-RPC version",
			},
		}
	}

	return s.handleRequest(ctx, &req)
}

func (s *Server) handleRequest(ctx context.Context, req *rpcRequest) *rpcResponse {
	var result any
	var err *rpcError

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(req.Params)
	case "initialized", "notifications/initialized":
		return nil
	case "tools/list":
		result, err = s.handleListTools()
	case "tools/call":
		result, err = s.handleCallTool(ctx, req.Params)
	case "resources/list":
		result, err = s.handleListResources(ctx)
	case "resources/read":
		result, err = s.handleReadResource(ctx, req.Params)
	case "ping":
		result = map[string]any{}
	default:
		err = &rpcError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		}
	}

	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: err}
	if err == nil {
		resp.Result = result
	}
	return resp
}
