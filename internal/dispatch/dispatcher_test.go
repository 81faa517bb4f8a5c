package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

// fakeProvider records calls and returns canned values.
type fakeProvider struct {
	mu     sync.Mutex
	calls  []string
	active protocol.Tab
	tabs   []protocol.Tab
	err    error
	block  chan struct{}
	panics bool
}

func (f *fakeProvider) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.panics {
		panic("provider exploded")
	}
	if f.block != nil {
		<-f.block
	}
	return f.err
}

func (f *fakeProvider) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeProvider) OpenTab(ctx context.Context, url string) (protocol.Tab, error) {
	if err := f.record("OpenTab " + url); err != nil {
		return protocol.Tab{}, err
	}
	return protocol.Tab{ID: "T9", URL: url}, nil
}

func (f *fakeProvider) CloseTab(ctx context.Context, id protocol.TabID) error {
	return f.record("CloseTab " + string(id))
}

func (f *fakeProvider) CurrentTab(ctx context.Context) (protocol.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeProvider) AllTabs(ctx context.Context) ([]protocol.Tab, error) {
	if err := f.record("AllTabs"); err != nil {
		return nil, err
	}
	return f.tabs, nil
}

func (f *fakeProvider) ExecuteScript(ctx context.Context, id protocol.TabID, code string) (any, error) {
	if err := f.record("ExecuteScript " + string(id) + " " + code); err != nil {
		return nil, err
	}
	return "Example Domain", nil
}

func (f *fakeProvider) ClickElement(ctx context.Context, id protocol.TabID, selector string) error {
	return f.record("ClickElement " + string(id) + " " + selector)
}

func (f *fakeProvider) FillInput(ctx context.Context, id protocol.TabID, selector, value string) error {
	return f.record("FillInput " + string(id) + " " + selector + "=" + value)
}

func (f *fakeProvider) PageContent(ctx context.Context, id protocol.TabID) (protocol.PageContent, error) {
	if err := f.record("PageContent " + string(id)); err != nil {
		return protocol.PageContent{}, err
	}
	return protocol.PageContent{Title: "Example", URL: "https://example.com"}, nil
}

func (f *fakeProvider) Screenshot(ctx context.Context) (string, error) {
	if err := f.record("Screenshot"); err != nil {
		return "", err
	}
	return "data:image/png;base64,AAAA", nil
}

func (f *fakeProvider) Cookies(ctx context.Context) (protocol.CookieReport, error) {
	if err := f.record("Cookies"); err != nil {
		return protocol.CookieReport{}, err
	}
	return protocol.CookieReport{Cookies: "SID=1; ", CookieCount: 1, CriticalNames: []string{"SID"}}, nil
}

func command(name, params string) protocol.Envelope {
	env := protocol.Envelope{Type: protocol.TypeCommand, ID: "req-1", Command: name}
	if params != "" {
		env.Params = json.RawMessage(params)
	}
	return env
}

func dataJSON(t *testing.T, r *protocol.Result) string {
	t.Helper()
	b, err := json.Marshal(r.Data)
	require.NoError(t, err)
	return string(b)
}

func TestDispatch_KnownOpcodes(t *testing.T) {
	tests := []struct {
		name     string
		cmd      protocol.Envelope
		wantCall string
		wantMsg  string
		wantData string
	}{
		{
			name:     "openTab",
			cmd:      command("openTab", `{"url":"https://example.com"}`),
			wantCall: "OpenTab https://example.com",
			wantMsg:  "opened tab: https://example.com",
			wantData: `{"tabId":"T9"}`,
		},
		{
			name:     "closeTab numeric id",
			cmd:      command("closeTab", `{"tabId":12}`),
			wantCall: "CloseTab 12",
			wantMsg:  "closed tab: 12",
		},
		{
			name:     "executeScript explicit tab",
			cmd:      command("executeScript", `{"tabId":"7","code":"return document.title"}`),
			wantCall: "ExecuteScript 7 return document.title",
			wantData: `{"result":"Example Domain"}`,
		},
		{
			name:     "executeScript active tab",
			cmd:      command("executeScript", `{"code":"return document.title"}`),
			wantCall: "ExecuteScript A1 return document.title",
			wantData: `{"result":"Example Domain"}`,
		},
		{
			name:     "clickElement",
			cmd:      command("clickElement", `{"selector":"#go"}`),
			wantCall: "ClickElement A1 #go",
			wantMsg:  "clicked element: #go",
		},
		{
			name:     "fillInput",
			cmd:      command("fillInput", `{"tabId":3,"selector":"input[name=q]","value":"golang"}`),
			wantCall: "FillInput 3 input[name=q]=golang",
			wantMsg:  "filled input: input[name=q]",
		},
		{
			name:     "getPageContent",
			cmd:      command("getPageContent", ""),
			wantCall: "PageContent A1",
			wantData: `{"title":"Example","url":"https://example.com","html":"","text":""}`,
		},
		{
			name:     "getAllTabs",
			cmd:      command("getAllTabs", `{}`),
			wantCall: "AllTabs",
			wantData: `[]`,
		},
		{
			name:     "screenshot",
			cmd:      command("screenshot", `{"ignored":true}`),
			wantCall: "Screenshot",
			wantData: `{"imageData":"data:image/png;base64,AAAA"}`,
		},
		{
			name:     "getCookies",
			cmd:      command("getCookies", ""),
			wantCall: "Cookies",
			wantMsg:  "collected 1 cookies",
			wantData: `{"cookies":"SID=1; ","cookieCount":1,"criticalNames":["SID"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{active: protocol.Tab{ID: "A1"}}
			d := New(p)

			resp := d.Dispatch(context.Background(), tt.cmd)

			assert.Equal(t, protocol.TypeResponse, resp.Type)
			assert.Equal(t, "req-1", resp.ID)
			assert.Equal(t, tt.cmd.Command, resp.Command)
			require.NotNil(t, resp.Result)
			assert.True(t, resp.Result.Success, resp.Result.Message)
			assert.Equal(t, tt.wantCall, p.lastCall())
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Result.Message)
			}
			if tt.wantData != "" {
				assert.JSONEq(t, tt.wantData, dataJSON(t, resp.Result))
			}
		})
	}
}

func TestDispatch_GetCurrentTab(t *testing.T) {
	p := &fakeProvider{active: protocol.Tab{ID: "A1", URL: "https://example.com", Title: "Example"}}
	resp := New(p).Dispatch(context.Background(), command("getCurrentTab", ""))

	require.True(t, resp.Result.Success)
	assert.JSONEq(t, `{"id":"A1","url":"https://example.com","title":"Example"}`, dataJSON(t, resp.Result))

	resp = New(&fakeProvider{}).Dispatch(context.Background(), command("getCurrentTab", ""))
	assert.False(t, resp.Result.Success)
	assert.Equal(t, ErrNoActiveTab.Error(), resp.Result.Message)
}

func TestDispatch_UnknownCommand(t *testing.T) {
	p := &fakeProvider{}
	resp := New(p).Dispatch(context.Background(), command("frobnicate", `{}`))

	require.NotNil(t, resp.Result)
	assert.False(t, resp.Result.Success)
	assert.Equal(t, "unknown command: frobnicate", resp.Result.Message)
	assert.Equal(t, "frobnicate", resp.Command)
	assert.Empty(t, p.calls)
}

func TestDispatch_NotACommand(t *testing.T) {
	resp := New(&fakeProvider{}).Dispatch(context.Background(), protocol.Envelope{Type: protocol.TypePing})
	assert.False(t, resp.Result.Success)
	assert.Equal(t, "not a command envelope: ping", resp.Result.Message)
}

func TestDispatch_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		cmd    protocol.Envelope
		prefix string
	}{
		{"missing url", command("openTab", `{}`), "invalid params for openTab"},
		{"missing tab", command("closeTab", `{}`), "invalid params for closeTab"},
		{"bad json", command("fillInput", `{"selector":`), "invalid params for fillInput"},
		{"wrong type", command("executeScript", `{"code":12}`), "invalid params for executeScript"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{active: protocol.Tab{ID: "A1"}}
			resp := New(p).Dispatch(context.Background(), tt.cmd)
			assert.False(t, resp.Result.Success)
			assert.Contains(t, resp.Result.Message, tt.prefix)
			assert.Empty(t, p.calls, "provider must not run on invalid params")
		})
	}
}

func TestDispatch_ProviderError(t *testing.T) {
	p := &fakeProvider{err: errors.New("no node found for selector #missing")}
	resp := New(p).Dispatch(context.Background(), command("clickElement", `{"tabId":"1","selector":"#missing"}`))

	assert.False(t, resp.Result.Success)
	assert.Equal(t, "no node found for selector #missing", resp.Result.Message)
	assert.Equal(t, "req-1", resp.ID)
}

func TestDispatch_ActiveTabMissing(t *testing.T) {
	p := &fakeProvider{}
	resp := New(p).Dispatch(context.Background(), command("getPageContent", ""))
	assert.False(t, resp.Result.Success)
	assert.Equal(t, "no active tab", resp.Result.Message)
}

func TestDispatch_Timeout(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	defer close(p.block)
	d := New(p, WithTimeout(20*time.Millisecond))

	start := time.Now()
	resp := d.Dispatch(context.Background(), command("screenshot", ""))

	assert.False(t, resp.Result.Success)
	assert.Equal(t, "timeout", resp.Result.Message)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), d.Stats().TimedOut)
}

func TestDispatch_Cancelled(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	defer close(p.block)
	d := New(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := d.Dispatch(ctx, command("getAllTabs", ""))
	assert.False(t, resp.Result.Success)
	assert.Equal(t, "getAllTabs cancelled", resp.Result.Message)
}

func TestDispatch_PanicIsContained(t *testing.T) {
	p := &fakeProvider{panics: true}
	d := New(p)

	resp := d.Dispatch(context.Background(), command("getAllTabs", ""))
	assert.False(t, resp.Result.Success)
	assert.Contains(t, resp.Result.Message, "provider exploded")

	p.panics = false
	resp = d.Dispatch(context.Background(), command("getAllTabs", ""))
	assert.True(t, resp.Result.Success, "dispatcher keeps working after a panic")
}

func TestDispatch_Stats(t *testing.T) {
	d := New(&fakeProvider{active: protocol.Tab{ID: "A1"}})
	d.Dispatch(context.Background(), command("getCurrentTab", ""))
	d.Dispatch(context.Background(), command("frobnicate", ""))
	d.Dispatch(context.Background(), command("getAllTabs", ""))

	assert.Equal(t, Stats{Dispatched: 3, Succeeded: 2, Failed: 1}, d.Stats())
}
