package browser

import (
	"context"
	"encoding/json"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// ForwardBinding is the function exposed to every page. Page scripts call
// window.tabwireForward(JSON.stringify(msg)) to send msg to the control
// process.
const ForwardBinding = "tabwireForward"

// OnForward registers fn to receive messages pages pass to ForwardBinding.
func (p *Provider) OnForward(fn func(msg json.RawMessage)) {
	p.mu.Lock()
	p.onForward = fn
	p.mu.Unlock()
}

// bindForward exposes ForwardBinding in the target and relays its calls until
// the target is destroyed. Binding a target twice is a no-op.
func (p *Provider) bindForward(id proto.TargetTargetID) {
	ctx, cancel := context.WithCancel(p.browser.GetContext())
	p.mu.Lock()
	if _, ok := p.bound[id]; ok {
		p.mu.Unlock()
		cancel()
		return
	}
	p.bound[id] = cancel
	p.mu.Unlock()

	page, err := p.browser.PageFromTarget(id)
	if err != nil {
		p.logger.Debug("cannot attach to tab for forwarding", zap.String("tab", string(id)), zap.Error(err))
		p.unbindForward(id)
		return
	}
	page = page.Context(ctx)

	// Subscribe before adding the binding so no early call is missed.
	wait := page.EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == ForwardBinding {
			p.forward(e.Payload)
		}
	})
	if err := (proto.RuntimeAddBinding{Name: ForwardBinding}).Call(page); err != nil {
		p.logger.Debug("add forward binding failed", zap.String("tab", string(id)), zap.Error(err))
		p.unbindForward(id)
		return
	}
	go wait()
}

func (p *Provider) unbindForward(id proto.TargetTargetID) {
	p.mu.Lock()
	cancel, ok := p.bound[id]
	delete(p.bound, id)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Provider) forward(payload string) {
	p.mu.Lock()
	fn := p.onForward
	p.mu.Unlock()
	if fn == nil {
		return
	}
	fn(forwardPayload(payload))
}

// forwardPayload passes JSON through and wraps anything else as a JSON string.
func forwardPayload(payload string) json.RawMessage {
	if json.Valid([]byte(payload)) {
		return json.RawMessage(payload)
	}
	raw, _ := json.Marshal(payload)
	return raw
}
