// Package browser drives a Chromium browser over the DevTools protocol with
// go-rod and exposes it as the automation provider behind the opcodes.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

// Options configures how the browser is reached.
type Options struct {
	// ControlURL attaches to a running browser. When empty a browser is launched.
	ControlURL string
	// Bin is the browser binary to launch. Empty lets rod find or download one.
	Bin      string
	Headless bool
	// CookieDomains are queried by Cookies.
	CookieDomains []string
}

// Provider implements the dispatcher's automation operations on a rod browser.
type Provider struct {
	browser  *rod.Browser
	launched *launcher.Launcher
	domains  []string
	logger   *zap.Logger

	mu         sync.Mutex
	active     proto.TargetTargetID
	onTabEvent func(source string)
	onForward  func(msg json.RawMessage)
	bound      map[proto.TargetTargetID]context.CancelFunc
}

// Connect attaches to or launches a browser. The browser is bound to ctx.
func Connect(ctx context.Context, opts Options, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Provider{
		domains: opts.CookieDomains,
		logger:  logger,
		bound:   make(map[proto.TargetTargetID]context.CancelFunc),
	}

	controlURL := opts.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(opts.Headless)
		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		p.launched = l
		controlURL = u
		logger.Info("launched browser", zap.String("control_url", u), zap.Bool("headless", opts.Headless))
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		if p.launched != nil {
			p.launched.Kill()
		}
		return nil, fmt.Errorf("connect to browser at %s: %w", controlURL, err)
	}
	p.browser = b

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		logger.Warn("target discovery unavailable, tab events disabled", zap.Error(err))
	} else {
		go p.watchTargets()
	}

	if pages, err := b.Pages(); err == nil {
		for _, page := range pages {
			p.bindForward(page.TargetID)
		}
	}
	return p, nil
}

// OnTabEvent registers fn to be called when a tab is created, changed or
// destroyed. It is the hook used to wake the connection manager.
func (p *Provider) OnTabEvent(fn func(source string)) {
	p.mu.Lock()
	p.onTabEvent = fn
	p.mu.Unlock()
}

// Close shuts down a browser launched by Connect. An attached browser is left
// running; its connection ends with the context given to Connect.
func (p *Provider) Close() error {
	if p.launched == nil {
		return nil
	}
	err := p.browser.Close()
	p.launched.Kill()
	p.launched.Cleanup()
	return err
}

func (p *Provider) watchTargets() {
	p.browser.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			p.setActive(e.TargetInfo.TargetID)
			go p.bindForward(e.TargetInfo.TargetID)
			p.emit("tab-created")
		},
		func(e *proto.TargetTargetInfoChanged) {
			if e.TargetInfo.Type == proto.TargetTargetInfoTypePage {
				p.emit("tab-updated")
			}
		},
		func(e *proto.TargetTargetDestroyed) {
			p.mu.Lock()
			if p.active == e.TargetID {
				p.active = ""
			}
			p.mu.Unlock()
			p.unbindForward(e.TargetID)
		},
	)()
	p.logger.Debug("target event stream ended")
}

func (p *Provider) emit(source string) {
	p.mu.Lock()
	fn := p.onTabEvent
	p.mu.Unlock()
	if fn != nil {
		fn(source)
	}
}

func (p *Provider) setActive(id proto.TargetTargetID) {
	p.mu.Lock()
	p.active = id
	p.mu.Unlock()
}

func (p *Provider) page(ctx context.Context, id protocol.TabID) (*rod.Page, error) {
	page, err := p.browser.PageFromTarget(proto.TargetTargetID(id))
	if err != nil {
		return nil, fmt.Errorf("tab %s: %w", id, err)
	}
	return page.Context(ctx), nil
}

// focusJS scores a page: 2 when it has focus, 1 when merely visible.
const focusJS = `() => document.hasFocus() ? 2 : (document.visibilityState === "visible" ? 1 : 0)`

const focusProbeTimeout = time.Second

// activePage returns the tab the user is looking at. Pages are asked for
// focus and visibility; the tracked tab breaks ties.
func (p *Provider) activePage(ctx context.Context) (*rod.Page, error) {
	pages, err := p.browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	if len(pages) == 0 {
		return nil, nil
	}

	states := make([]tabFocus, len(pages))
	for i, page := range pages {
		states[i] = tabFocus{id: page.TargetID}
		probe := page.Context(ctx).Timeout(focusProbeTimeout)
		res, err := probe.Eval(focusJS)
		probe.CancelTimeout()
		if err != nil {
			p.logger.Debug("focus probe failed", zap.String("tab", string(page.TargetID)), zap.Error(err))
			continue
		}
		score := res.Value.Int()
		states[i].focused = score == 2
		states[i].visible = score >= 1
	}

	p.mu.Lock()
	tracked := p.active
	p.mu.Unlock()

	id := pickActive(states, tracked)
	p.setActive(id)
	for _, page := range pages {
		if page.TargetID == id {
			return page.Context(ctx), nil
		}
	}
	return pages.First().Context(ctx), nil
}

type tabFocus struct {
	id      proto.TargetTargetID
	focused bool
	visible bool
}

// pickActive prefers a focused tab, then the tracked tab while visible, then
// any visible tab, then the tracked tab, then the first one.
func pickActive(tabs []tabFocus, tracked proto.TargetTargetID) proto.TargetTargetID {
	if len(tabs) == 0 {
		return ""
	}
	var trackedTab *tabFocus
	for i := range tabs {
		if tabs[i].focused {
			return tabs[i].id
		}
		if tabs[i].id == tracked {
			trackedTab = &tabs[i]
		}
	}
	if trackedTab != nil && trackedTab.visible {
		return trackedTab.id
	}
	for _, t := range tabs {
		if t.visible {
			return t.id
		}
	}
	if trackedTab != nil {
		return trackedTab.id
	}
	return tabs[0].id
}

func tabOf(page *rod.Page) (protocol.Tab, error) {
	info, err := page.Info()
	if err != nil {
		return protocol.Tab{}, err
	}
	return protocol.Tab{ID: protocol.TabID(info.TargetID), URL: info.URL, Title: info.Title}, nil
}

func (p *Provider) OpenTab(ctx context.Context, url string) (protocol.Tab, error) {
	page, err := p.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return protocol.Tab{}, fmt.Errorf("open %s: %w", url, err)
	}
	p.setActive(page.TargetID)
	return protocol.Tab{ID: protocol.TabID(page.TargetID), URL: url}, nil
}

func (p *Provider) CloseTab(ctx context.Context, id protocol.TabID) error {
	page, err := p.page(ctx, id)
	if err != nil {
		return err
	}
	if err := page.Close(); err != nil {
		return fmt.Errorf("close tab %s: %w", id, err)
	}
	p.mu.Lock()
	if p.active == proto.TargetTargetID(id) {
		p.active = ""
	}
	p.mu.Unlock()
	return nil
}

// CurrentTab returns the zero Tab when the browser has no pages.
func (p *Provider) CurrentTab(ctx context.Context) (protocol.Tab, error) {
	page, err := p.activePage(ctx)
	if err != nil || page == nil {
		return protocol.Tab{}, err
	}
	return tabOf(page)
}

func (p *Provider) AllTabs(ctx context.Context) ([]protocol.Tab, error) {
	pages, err := p.browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	tabs := make([]protocol.Tab, 0, len(pages))
	for _, page := range pages {
		tab, err := tabOf(page)
		if err != nil {
			continue
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

// scriptFunc turns code into a function expression with code as its body,
// so scripts use return to produce a value. The trailing newline keeps a
// final line comment from swallowing the brace.
func scriptFunc(code string) string {
	return "function() {\n" + code + "\n}"
}

func (p *Provider) ExecuteScript(ctx context.Context, id protocol.TabID, code string) (any, error) {
	page, err := p.page(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := page.Eval(scriptFunc(code))
	if err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.Val(), nil
}

func (p *Provider) element(ctx context.Context, id protocol.TabID, selector string) (*rod.Element, error) {
	page, err := p.page(ctx, id)
	if err != nil {
		return nil, err
	}
	has, el, err := page.Has(selector)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	if !has {
		return nil, fmt.Errorf("element not found: %s", selector)
	}
	return el, nil
}

func (p *Provider) ClickElement(ctx context.Context, id protocol.TabID, selector string) error {
	el, err := p.element(ctx, id, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

const setValueJS = `function(v) {
	this.value = v;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
}`

// FillInput sets the element's value and fires input and change events, so
// an empty value clears the field.
func (p *Provider) FillInput(ctx context.Context, id protocol.TabID, selector, value string) error {
	el, err := p.element(ctx, id, selector)
	if err != nil {
		return err
	}
	if _, err := el.Eval(setValueJS, value); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

const pageContentJS = `() => ({
	title: document.title,
	url: location.href,
	html: document.documentElement.outerHTML,
	text: document.body ? document.body.innerText : ""
})`

func (p *Provider) PageContent(ctx context.Context, id protocol.TabID) (protocol.PageContent, error) {
	page, err := p.page(ctx, id)
	if err != nil {
		return protocol.PageContent{}, err
	}
	res, err := page.Eval(pageContentJS)
	if err != nil {
		return protocol.PageContent{}, fmt.Errorf("read page content: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return protocol.PageContent{}, err
	}
	var content protocol.PageContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return protocol.PageContent{}, fmt.Errorf("decode page content: %w", err)
	}
	return content, nil
}

func (p *Provider) Screenshot(ctx context.Context) (string, error) {
	page, err := p.activePage(ctx)
	if err != nil {
		return "", err
	}
	if page == nil {
		return "", fmt.Errorf("no active tab")
	}
	img, err := page.Screenshot(false, nil)
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(img), nil
}

func (p *Provider) Cookies(ctx context.Context) (protocol.CookieReport, error) {
	return CollectCookies(ctx, p, p.domains)
}

// DomainCookies implements CookieSource over the whole cookie store: every
// cookie whose domain is domain or one of its subdomains, on any path.
func (p *Provider) DomainCookies(ctx context.Context, domain string) ([]Cookie, error) {
	res, err := proto.StorageGetCookies{}.Call(p.browser.Context(ctx))
	if err != nil {
		p.logger.Warn("cookie query failed", zap.String("domain", domain), zap.Error(err))
		return nil, err
	}
	return matchCookies(res.Cookies, domain), nil
}

func matchCookies(all []*proto.NetworkCookie, domain string) []Cookie {
	host := strings.TrimPrefix(strings.ToLower(domain), ".")
	cookies := make([]Cookie, 0)
	for _, c := range all {
		cd := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		if cd == host || strings.HasSuffix(cd, "."+host) {
			cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
		}
	}
	return cookies
}
