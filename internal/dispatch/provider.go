package dispatch

import (
	"context"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

// Provider is the browser automation capability behind the opcodes.
// Implementations must honour ctx; the dispatcher abandons calls that outlive it.
type Provider interface {
	OpenTab(ctx context.Context, url string) (protocol.Tab, error)
	CloseTab(ctx context.Context, id protocol.TabID) error
	// CurrentTab returns the active tab.
	CurrentTab(ctx context.Context) (protocol.Tab, error)
	AllTabs(ctx context.Context) ([]protocol.Tab, error)
	ExecuteScript(ctx context.Context, id protocol.TabID, code string) (any, error)
	ClickElement(ctx context.Context, id protocol.TabID, selector string) error
	FillInput(ctx context.Context, id protocol.TabID, selector, value string) error
	PageContent(ctx context.Context, id protocol.TabID) (protocol.PageContent, error)
	// Screenshot captures the visible area of the active tab as a PNG data URL.
	Screenshot(ctx context.Context) (string, error)
	Cookies(ctx context.Context) (protocol.CookieReport, error)
}
