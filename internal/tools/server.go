// Package tools exposes the supervisor's operations to operators as MCP tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/session-supervisor/internal/coordinator"
	"github.com/AltairaLabs/session-supervisor/internal/storage"
)

// Tool names
const (
	ToolSessionInitialize    = "session.initialize"
	ToolSessionGet           = "session.get"
	ToolSessionList          = "session.list"
	ToolSessionTerminate     = "session.terminate"
	ToolSessionTerminateAll  = "session.terminate_all"
	ToolSessionScanChallenge = "session.scan_challenge"
	ToolJobEnqueue           = "job.enqueue"
	ToolReconcile            = "supervisor.reconcile"
)

const (
	argTenantID      = "tenant_id"
	argGraceful      = "graceful"
	argDestination   = "destination"
	argPayload       = "payload"
	argAttachmentRef = "attachment_ref"
)

// Supervisor is the set of operations the tools delegate to
type Supervisor interface {
	Initialize(ctx context.Context, tenantID string) error
	GetSession(tenantID string) (coordinator.SessionInfo, bool)
	GetAllSessions() []coordinator.SessionInfo
	Terminate(ctx context.Context, tenantID string, graceful bool) error
	TerminateAll(ctx context.Context, graceful bool) error
	AwaitScanChallenge(ctx context.Context, tenantID string) (string, error)
	EnqueueJob(ctx context.Context, tenantID string, job storage.Job) (string, error)
	Reconcile(ctx context.Context) (*coordinator.ReconcileReport, error)
}

// Config holds configuration for the MCP server
type Config struct {
	Name    string
	Version string
}

// OperatorServer wraps the mcp-go server around a supervisor
type OperatorServer struct {
	server   *server.MCPServer
	sup      Supervisor
	registry *ToolHandlerRegistry
	logger   *slog.Logger
}

// NewOperatorServer creates and configures the operator MCP server
func NewOperatorServer(cfg Config, sup Supervisor, logger *slog.Logger) *OperatorServer {
	if logger == nil {
		logger = slog.Default()
	}
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &OperatorServer{
		server: mcpServer,
		sup:    sup,
		logger: logger,
	}
	s.registry = NewToolHandlerRegistry(s.tools()...)
	for _, t := range s.registry.All() {
		mcpServer.AddTool(t.Definition, server.ToolHandlerFunc(t.Handler))
	}
	return s
}

// Registry returns the registered tools
func (s *OperatorServer) Registry() *ToolHandlerRegistry {
	return s.registry
}

// ServeStdio serves MCP over stdin/stdout until the client goes away
func (s *OperatorServer) ServeStdio() error {
	return server.ServeStdio(s.server)
}

func tenantArg() mcp.ToolOption {
	return mcp.WithString(argTenantID,
		mcp.Required(),
		mcp.Description("Tenant whose session to act on"),
	)
}

func gracefulArg() mcp.ToolOption {
	return mcp.WithBoolean(argGraceful,
		mcp.Description("Keep session artifacts so the tenant can resume without a new scan"),
	)
}

func (s *OperatorServer) tools() []Tool {
	return []Tool{
		{
			Definition: mcp.NewTool(ToolSessionInitialize,
				mcp.WithDescription("Start a tenant session and wait until it is usable or awaiting a scan"),
				tenantArg(),
			),
			Handler: s.handleInitialize,
		},
		{
			Definition: mcp.NewTool(ToolSessionGet,
				mcp.WithDescription("Show one tenant session"),
				tenantArg(),
			),
			Handler: s.handleGet,
		},
		{
			Definition: mcp.NewTool(ToolSessionList,
				mcp.WithDescription("List every registered session"),
			),
			Handler: s.handleList,
		},
		{
			Definition: mcp.NewTool(ToolSessionTerminate,
				mcp.WithDescription("Tear down a tenant session"),
				tenantArg(),
				gracefulArg(),
			),
			Handler: s.handleTerminate,
		},
		{
			Definition: mcp.NewTool(ToolSessionTerminateAll,
				mcp.WithDescription("Tear down every registered session"),
				gracefulArg(),
			),
			Handler: s.handleTerminateAll,
		},
		{
			Definition: mcp.NewTool(ToolSessionScanChallenge,
				mcp.WithDescription("Wait for the scan challenge of an initializing session"),
				tenantArg(),
			),
			Handler: s.handleScanChallenge,
		},
		{
			Definition: mcp.NewTool(ToolJobEnqueue,
				mcp.WithDescription("Queue an outbound message for a tenant"),
				tenantArg(),
				mcp.WithString(argDestination,
					mcp.Required(),
					mcp.Description("Recipient address"),
				),
				mcp.WithString(argPayload,
					mcp.Description("Message body"),
				),
				mcp.WithString(argAttachmentRef,
					mcp.Description("Reference to an attachment the worker can fetch"),
				),
			),
			Handler: s.handleEnqueue,
		},
		{
			Definition: mcp.NewTool(ToolReconcile,
				mcp.WithDescription("Reconcile persisted session records with running workers"),
			),
			Handler: s.handleReconcile,
		},
	}
}

func (s *OperatorServer) handleInitialize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString(argTenantID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.sup.Initialize(ctx, tenantID); err != nil {
		s.logger.Warn("Initialize tool failed", "tenant_id", tenantID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("initialize %s: %v", tenantID, err)), nil
	}
	info, ok := s.sup.GetSession(tenantID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("session %s ended during initialize", tenantID)), nil
	}
	return jsonResult(info)
}

func (s *OperatorServer) handleGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString(argTenantID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	info, ok := s.sup.GetSession(tenantID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("%v: %s", coordinator.ErrSessionNotFound, tenantID)), nil
	}
	return jsonResult(info)
}

func (s *OperatorServer) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sup.GetAllSessions())
}

func (s *OperatorServer) handleTerminate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString(argTenantID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	graceful := request.GetBool(argGraceful, false)

	if err := s.sup.Terminate(ctx, tenantID, graceful); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("terminate %s: %v", tenantID, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Terminated %s (graceful=%t)", tenantID, graceful)), nil
}

func (s *OperatorServer) handleTerminateAll(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graceful := request.GetBool(argGraceful, false)
	count := len(s.sup.GetAllSessions())

	if err := s.sup.TerminateAll(ctx, graceful); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("terminate all: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Terminated %d sessions (graceful=%t)", count, graceful)), nil
}

func (s *OperatorServer) handleScanChallenge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString(argTenantID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := s.sup.AwaitScanChallenge(ctx, tenantID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scan challenge for %s: %v", tenantID, err)), nil
	}
	return mcp.NewToolResultText(payload), nil
}

func (s *OperatorServer) handleEnqueue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString(argTenantID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	destination, err := request.RequireString(argDestination)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	correlationID, err := s.sup.EnqueueJob(ctx, tenantID, storage.Job{
		Destination:   destination,
		Payload:       request.GetString(argPayload, ""),
		AttachmentRef: request.GetString(argAttachmentRef, ""),
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidJob) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("enqueue for %s: %v", tenantID, err)), nil
	}
	return jsonResult(map[string]string{"correlationId": correlationID})
}

func (s *OperatorServer) handleReconcile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.sup.Reconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reconcile: %v", err)), nil
	}
	return jsonResult(report)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
