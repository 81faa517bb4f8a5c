package dispatch

import (
	"context"
	"fmt"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

func (d *Dispatcher) openTab(ctx context.Context, p *protocol.OpenTabParams) (protocol.Result, error) {
	tab, err := d.provider.OpenTab(ctx, p.URL)
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.Result{
		Success: true,
		Message: fmt.Sprintf("opened tab: %s", p.URL),
		Data:    protocol.OpenTabResult{TabID: tab.ID},
	}, nil
}

func (d *Dispatcher) closeTab(ctx context.Context, p *protocol.CloseTabParams) (protocol.Result, error) {
	if err := d.provider.CloseTab(ctx, p.TabID); err != nil {
		return protocol.Result{}, err
	}
	return protocol.OK(fmt.Sprintf("closed tab: %s", p.TabID)), nil
}

func (d *Dispatcher) currentTab(ctx context.Context, _ *protocol.NoParams) (protocol.Result, error) {
	tab, err := d.provider.CurrentTab(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	if tab.ID.IsZero() {
		return protocol.Result{}, ErrNoActiveTab
	}
	return protocol.OKData(tab), nil
}

func (d *Dispatcher) allTabs(ctx context.Context, _ *protocol.NoParams) (protocol.Result, error) {
	tabs, err := d.provider.AllTabs(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	if tabs == nil {
		tabs = []protocol.Tab{}
	}
	return protocol.OKData(tabs), nil
}

func (d *Dispatcher) executeScript(ctx context.Context, p *protocol.ExecuteScriptParams) (protocol.Result, error) {
	id, err := d.resolveTab(ctx, p.TabID)
	if err != nil {
		return protocol.Result{}, err
	}
	v, err := d.provider.ExecuteScript(ctx, id, p.Code)
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.OKData(protocol.ScriptResult{Result: v}), nil
}

func (d *Dispatcher) clickElement(ctx context.Context, p *protocol.ClickElementParams) (protocol.Result, error) {
	id, err := d.resolveTab(ctx, p.TabID)
	if err != nil {
		return protocol.Result{}, err
	}
	if err := d.provider.ClickElement(ctx, id, p.Selector); err != nil {
		return protocol.Result{}, err
	}
	return protocol.OK(fmt.Sprintf("clicked element: %s", p.Selector)), nil
}

func (d *Dispatcher) fillInput(ctx context.Context, p *protocol.FillInputParams) (protocol.Result, error) {
	id, err := d.resolveTab(ctx, p.TabID)
	if err != nil {
		return protocol.Result{}, err
	}
	if err := d.provider.FillInput(ctx, id, p.Selector, p.Value); err != nil {
		return protocol.Result{}, err
	}
	return protocol.OK(fmt.Sprintf("filled input: %s", p.Selector)), nil
}

func (d *Dispatcher) pageContent(ctx context.Context, p *protocol.PageContentParams) (protocol.Result, error) {
	id, err := d.resolveTab(ctx, p.TabID)
	if err != nil {
		return protocol.Result{}, err
	}
	content, err := d.provider.PageContent(ctx, id)
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.OKData(content), nil
}

func (d *Dispatcher) screenshot(ctx context.Context, _ *protocol.NoParams) (protocol.Result, error) {
	img, err := d.provider.Screenshot(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.OKData(protocol.ScreenshotResult{ImageData: img}), nil
}

func (d *Dispatcher) cookies(ctx context.Context, _ *protocol.NoParams) (protocol.Result, error) {
	report, err := d.provider.Cookies(ctx)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("collect cookies: %w", err)
	}
	return protocol.Result{
		Success: true,
		Message: fmt.Sprintf("collected %d cookies", report.CookieCount),
		Data:    report,
	}, nil
}
