package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bperin/intrepreter-gateway/internal/config"
	"github.com/bperin/intrepreter-gateway/internal/observability"
	"github.com/bperin/intrepreter-gateway/internal/resilience"
)

const serviceName = "orchestrator"

// Client detects and executes clinical commands over gRPC. Messages are
// google.protobuf.Struct so the gateway carries no generated stubs.
type Client struct {
	config         *config.Config
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewClient creates a client; the connection is established lazily by gRPC
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Keepalive settings for long-lived connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(cfg.OrchestratorURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", cfg.OrchestratorURL, err)
	}

	circuitBreaker := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	retryConfig := resilience.DefaultRetryConfig()
	retryConfig.MaxAttempts = cfg.RetryMaxAttempts
	retryConfig.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &Client{
		config:         cfg,
		conn:           conn,
		health:         healthpb.NewHealthClient(conn),
		circuitBreaker: circuitBreaker,
		retryConfig:    retryConfig,
		logger:         logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// DetectCommand returns the command found in text, or nil when there is none
func (c *Client) DetectCommand(ctx context.Context, conversationID, text string) (*Command, error) {
	req, err := structpb.NewStruct(map[string]any{
		"conversation_id": conversationID,
		"text":            text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build detect request: %w", err)
	}

	resp := &structpb.Struct{}
	err = c.circuitBreaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			return c.invoke(ctx, detectCommandMethod, req, resp)
		}, c.retryConfig, isRetryableError)
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures(serviceName)
		return nil, fmt.Errorf("failed to call DetectCommand: %w", err)
	}

	fields := resp.AsMap()
	if detected, _ := fields["detected"].(bool); !detected {
		return nil, nil
	}
	raw, _ := fields["command"].(map[string]any)
	cmd := &Command{Parameters: map[string]any{}}
	cmd.Type, _ = raw["type"].(string)
	cmd.Confidence, _ = raw["confidence"].(float64)
	if params, ok := raw["parameters"].(map[string]any); ok {
		cmd.Parameters = params
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("orchestrator reported a command without a type")
	}
	return cmd, nil
}

// ExecuteCommand runs a detected command. It is not retried.
func (c *Client) ExecuteCommand(ctx context.Context, conversationID string, cmd *Command) (*ExecutionResult, error) {
	params := cmd.Parameters
	if params == nil {
		params = map[string]any{}
	}
	req, err := structpb.NewStruct(map[string]any{
		"conversation_id": conversationID,
		"type":            cmd.Type,
		"parameters":      params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build execute request: %w", err)
	}

	resp := &structpb.Struct{}
	err = c.circuitBreaker.Call(func() error {
		return c.invoke(ctx, executeCommandMethod, req, resp)
	})
	if err != nil {
		observability.IncrementCircuitBreakerFailures(serviceName)
		return nil, fmt.Errorf("failed to call ExecuteCommand: %w", err)
	}

	fields := resp.AsMap()
	result := &ExecutionResult{
		CommandType: cmd.Type,
		ExecutedAt:  time.Now().UTC(),
	}
	result.Success, _ = fields["success"].(bool)
	result.Message, _ = fields["message"].(string)
	result.Data, _ = fields["data"].(map[string]any)

	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "command rejected"
		}
		return result, fmt.Errorf("command %s failed: %s", cmd.Type, msg)
	}

	c.logger.Info().Str("conversation_id", conversationID).Str("command", cmd.Type).Msg("Command executed")
	return result, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.OrchestratorDeadline())
	defer cancel()
	return c.conn.Invoke(ctx, method, req, resp)
}

// HealthCheck performs a health check on the orchestrator
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close orchestrator connection: %w", err)
	}
	return nil
}

// isRetryableError checks if a gRPC error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	case codes.DeadlineExceeded:
		return true
	case codes.Unknown:
		return strings.Contains(strings.ToLower(err.Error()), "connection")
	}
	return false
}
