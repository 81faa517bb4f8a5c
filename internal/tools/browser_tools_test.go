package tools

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/tabwire/internal/bridge"
	"github.com/standardbeagle/tabwire/internal/dispatch"
	"github.com/standardbeagle/tabwire/internal/protocol"
	"github.com/standardbeagle/tabwire/internal/relay"
)

type titleProvider struct{ dispatch.Provider }

func (titleProvider) CurrentTab(ctx context.Context) (protocol.Tab, error) {
	return protocol.Tab{ID: "5", URL: "https://example.com", Title: "Example Domain"}, nil
}

func (titleProvider) ExecuteScript(ctx context.Context, id protocol.TabID, code string) (any, error) {
	return "Example Domain", nil
}

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewHub(nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func startAgent(t *testing.T, url string) {
	t.Helper()
	cfg := bridge.DefaultConfig()
	cfg.URL = url
	m := bridge.NewManager(cfg, bridge.WebsocketDialer{}, dispatch.New(titleProvider{}))
	t.Cleanup(m.Close)
	m.EnsureConnected()
	require.Eventually(t, m.IsConnected, 3*time.Second, 10*time.Millisecond)
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestBrowserTool_RunsCommand(t *testing.T) {
	url := startRelay(t)
	startAgent(t, url)

	bt := NewBrowserTools(url, 3*time.Second, nil)
	defer bt.Close()
	handler := bt.makeBrowserHandler()

	require.Eventually(t, func() bool {
		c, err := bt.ensureConnected(context.Background())
		return err == nil && c.AgentConnected()
	}, 3*time.Second, 10*time.Millisecond)

	res, out, err := handler(context.Background(), nil, BrowserInput{
		Command: protocol.OpExecuteScript,
		Params:  map[string]any{"code": "return document.title", "tabId": 5},
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.True(t, out.Success)
	assert.Equal(t, map[string]any{"result": "Example Domain"}, out.Data)
}

func TestBrowserTool_AgentFailureIsToolError(t *testing.T) {
	url := startRelay(t)
	startAgent(t, url)

	bt := NewBrowserTools(url, 3*time.Second, nil)
	defer bt.Close()

	require.Eventually(t, func() bool {
		c, err := bt.ensureConnected(context.Background())
		return err == nil && c.AgentConnected()
	}, 3*time.Second, 10*time.Millisecond)

	res, out, err := bt.makeBrowserHandler()(context.Background(), nil, BrowserInput{
		Command: protocol.OpOpenTab,
		Params:  map[string]any{},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "invalid params for openTab")
	assert.False(t, out.Success)
}

func TestBrowserTool_UnknownCommand(t *testing.T) {
	bt := NewBrowserTools("ws://127.0.0.1:1/ws", time.Second, nil)

	res, _, err := bt.makeBrowserHandler()(context.Background(), nil, BrowserInput{Command: "frobnicate"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "unknown command: frobnicate")
}

func TestBrowserTool_NoAgent(t *testing.T) {
	url := startRelay(t)
	bt := NewBrowserTools(url, time.Second, nil)
	defer bt.Close()

	res, _, err := bt.makeBrowserHandler()(context.Background(), nil, BrowserInput{Command: protocol.OpGetAllTabs})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "no browser agent is connected to the relay", textOf(t, res))
}

func TestBridgeStatusTool(t *testing.T) {
	bt := NewBrowserTools("ws://127.0.0.1:1/ws", time.Second, nil)
	_, out, err := bt.makeStatusHandler()(context.Background(), nil, StatusInput{})
	require.NoError(t, err)
	assert.False(t, out.RelayReachable)
	assert.NotEmpty(t, out.Error)

	url := startRelay(t)
	startAgent(t, url)
	bt = NewBrowserTools(url, time.Second, nil)
	defer bt.Close()

	require.Eventually(t, func() bool {
		_, out, err := bt.makeStatusHandler()(context.Background(), nil, StatusInput{})
		return err == nil && out.RelayReachable && out.AgentConnected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRegisterBrowserTools(t *testing.T) {
	server := mcp.NewServer(&mcp.Implementation{Name: "tabwire", Version: "test"}, nil)
	assert.NotPanics(t, func() {
		RegisterBrowserTools(server, NewBrowserTools("ws://127.0.0.1:1/ws", time.Second, nil))
	})
}
