package pool

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ExecOptions tunes one Execute call. Zero values fall back to the
// pool configuration.
type ExecOptions struct {
	CheckoutTimeout time.Duration
	RequestTimeout  time.Duration
	Priority        Priority
}

// sessionArgKey is where the session id is injected into args. It is
// visible to the runtime for observability; the runtime must not use
// it to route.
const sessionArgKey = "_session_id"

// Client is the caller-facing command API. It normalizes command
// names, enforces the message size cap, injects the session id, and
// translates everything that can go wrong into the structured error
// taxonomy.
type Client struct {
	pool *Pool
}

// Execute runs command with args on some healthy worker, tracking the
// call under sessionID.
func (c *Client) Execute(ctx context.Context, sessionID, command string, args map[string]any, opts *ExecOptions) (json.RawMessage, error) {
	cmd, err := normalizeCommand(command)
	if err != nil {
		return nil, err
	}

	if sessionID != "" {
		if args == nil {
			args = make(map[string]any, 1)
		} else {
			copied := make(map[string]any, len(args)+1)
			for k, v := range args {
				copied[k] = v
			}
			args = copied
		}
		args[sessionArgKey] = sessionID
	}

	raw, err := marshalArgs(args, c.pool.cfg.MaxMessageSize, c.pool.cfg.PoolName)
	if err != nil {
		return nil, err
	}

	req := ExecRequest{
		Command:   cmd,
		Args:      raw,
		SessionID: sessionID,
	}
	if opts != nil {
		req.Priority = opts.Priority
		req.CheckoutTimeout = opts.CheckoutTimeout
		req.RequestTimeout = opts.RequestTimeout
	}
	return c.pool.dispatcher.Execute(ctx, req)
}

// ExecuteAnonymous runs a command with no session tracking.
func (c *Client) ExecuteAnonymous(ctx context.Context, command string, args map[string]any, opts *ExecOptions) (json.RawMessage, error) {
	return c.Execute(ctx, "", command, args, opts)
}

// normalizeCommand canonicalizes a command name to lowercase
// snake_case: trimmed, spaces and dashes folded to underscores.
func normalizeCommand(command string) (string, error) {
	cmd := strings.ToLower(strings.TrimSpace(command))
	cmd = strings.ReplaceAll(cmd, "-", "_")
	cmd = strings.ReplaceAll(cmd, " ", "_")
	for strings.Contains(cmd, "__") {
		cmd = strings.ReplaceAll(cmd, "__", "_")
	}
	if cmd == "" {
		return "", newPoolError(CategoryProtocol, TypeInvalidCommand, "empty command name")
	}
	return cmd, nil
}

func marshalArgs(args map[string]any, maxSize int, poolName string) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, newPoolError(CategoryProtocol, TypeInvalidCommand,
			"args are not JSON-encodable: "+err.Error())
	}
	if len(raw) > maxSize {
		return nil, newPoolError(CategoryResource, TypeMessageTooLarge,
			"args exceed the message size limit").
			with("pool_name", poolName).
			with("size", len(raw)).
			with("limit", maxSize)
	}
	return raw, nil
}
