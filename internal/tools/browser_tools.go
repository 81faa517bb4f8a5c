// Package tools exposes the browser bridge to MCP clients.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/protocol"
	"github.com/standardbeagle/tabwire/internal/relay"
)

// BrowserTools wraps a relay controller for MCP tool handlers. The controller
// is dialed on first use and redialed after the relay goes away.
type BrowserTools struct {
	relayURL string
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	client *relay.Controller
}

// NewBrowserTools creates a tools wrapper for the relay at relayURL.
func NewBrowserTools(relayURL string, timeout time.Duration, logger *zap.Logger) *BrowserTools {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BrowserTools{relayURL: relayURL, timeout: timeout, logger: logger}
}

// ensureConnected returns a live controller, dialing if needed.
func (bt *BrowserTools) ensureConnected(ctx context.Context) (*relay.Controller, error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.client != nil {
		return bt.client, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := relay.DialController(dialCtx, bt.relayURL, bt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay at %s: %w", bt.relayURL, err)
	}
	bt.client = client
	return client, nil
}

func (bt *BrowserTools) drop(client *relay.Controller) {
	bt.mu.Lock()
	if bt.client == client {
		bt.client = nil
	}
	bt.mu.Unlock()
	_ = client.Close()
}

// Close closes the relay connection.
func (bt *BrowserTools) Close() error {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.client == nil {
		return nil
	}
	err := bt.client.Close()
	bt.client = nil
	return err
}

// BrowserInput is the input of the browser tool.
type BrowserInput struct {
	Command string         `json:"command" jsonschema:"Opcode to run, e.g. openTab, getPageContent, executeScript"`
	Params  map[string]any `json:"params,omitempty" jsonschema:"Opcode parameters such as url, tabId, code, selector, value"`
}

// BrowserOutput mirrors the agent's command result.
type BrowserOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// StatusInput is the (empty) input of the bridge_status tool.
type StatusInput struct{}

// StatusOutput reports relay reachability and agent presence.
type StatusOutput struct {
	RelayURL       string `json:"relay_url"`
	RelayReachable bool   `json:"relay_reachable"`
	AgentConnected bool   `json:"agent_connected"`
	Error          string `json:"error,omitempty"`
}

// RegisterBrowserTools adds the browser and bridge_status tools.
func RegisterBrowserTools(server *mcp.Server, bt *BrowserTools) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "browser",
		Description: `Control the connected browser through the local bridge.

Commands:
  openTab {url}                       → {tabId}
  closeTab {tabId}
  getCurrentTab                       → {id, url, title}
  getAllTabs                          → [{id, url, title}]
  executeScript {tabId?, code}        → {result}
  clickElement {tabId?, selector}
  fillInput {tabId?, selector, value}
  getPageContent {tabId?}             → {title, url, html, text}
  screenshot                          → {imageData}
  getCookies                          → {cookies, cookieCount, criticalNames}

tabId defaults to the active tab. executeScript code is a function body:
use return to produce the result.

Examples:
  browser {command: "openTab", params: {url: "https://example.com"}}
  browser {command: "executeScript", params: {code: "return document.title"}}
  browser {command: "fillInput", params: {selector: "input[name=q]", value: "golang"}}`,
	}, bt.makeBrowserHandler())

	mcp.AddTool(server, &mcp.Tool{
		Name:        "bridge_status",
		Description: `Report whether the relay is reachable and a browser agent is connected to it.`,
	}, bt.makeStatusHandler())
}

func (bt *BrowserTools) makeBrowserHandler() func(context.Context, *mcp.CallToolRequest, BrowserInput) (*mcp.CallToolResult, BrowserOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input BrowserInput) (*mcp.CallToolResult, BrowserOutput, error) {
		if !slices.Contains(protocol.Opcodes, input.Command) {
			return errorResult(fmt.Sprintf("unknown command: %s (available: %s)",
				input.Command, strings.Join(protocol.Opcodes, ", "))), BrowserOutput{}, nil
		}

		client, err := bt.ensureConnected(ctx)
		if err != nil {
			return errorResult(err.Error()), BrowserOutput{}, nil
		}
		if !client.AgentConnected() {
			return errorResult("no browser agent is connected to the relay"), BrowserOutput{}, nil
		}

		sendCtx, cancel := context.WithTimeout(ctx, relay.SendTimeout(bt.timeout))
		defer cancel()

		var params any
		if len(input.Params) > 0 {
			params = input.Params
		}
		res, err := client.Send(sendCtx, input.Command, params)
		if err != nil {
			if errors.Is(err, relay.ErrClosed) {
				bt.drop(client)
			}
			return errorResult(fmt.Sprintf("%s failed: %v", input.Command, err)), BrowserOutput{}, nil
		}
		if res == nil {
			return errorResult(fmt.Sprintf("%s: empty response", input.Command)), BrowserOutput{}, nil
		}
		if !res.Success {
			return errorResult(res.Message), BrowserOutput{Message: res.Message}, nil
		}

		return nil, BrowserOutput{Success: true, Message: res.Message, Data: res.Data}, nil
	}
}

func (bt *BrowserTools) makeStatusHandler() func(context.Context, *mcp.CallToolRequest, StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
		out := StatusOutput{RelayURL: bt.relayURL}
		client, err := bt.ensureConnected(ctx)
		if err != nil {
			out.Error = err.Error()
			return nil, out, nil
		}
		out.RelayReachable = true
		out.AgentConnected = client.AgentConnected()
		return nil, out, nil
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
