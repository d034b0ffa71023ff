package observer

import (
	"github.com/go-rod/rod/lib/proto"
)

// source tells where a DOM event came from.
type source string

const (
	sourceCDP source = "cdp"
	sourceJS  source = "js"
)

// listenCDP subscribes to the structural DOM events of the page. Attribute
// and text changes are ignored: only inserted or removed nodes can bring in
// a new frame. Blocks until the observer's context is done.
func (o *Observer) listenCDP() {
	if err := (proto.DOMEnable{}).Call(o.tab.Page); err != nil {
		o.logger.Warn("observer: DOM.enable failed", "url", o.tab.PageURL, "error", err)
	}

	wait := o.tab.Page.Context(o.ctx).EachEvent(
		func(e *proto.DOMChildNodeInserted) {
			o.event(sourceCDP)
		},
		func(e *proto.DOMChildNodeRemoved) {
			o.event(sourceCDP)
		},
		func(e *proto.DOMDocumentUpdated) {
			select {
			case o.docResetCh <- struct{}{}:
			default:
			}
		},
	)
	wait()
}

// listenBinding receives the injected MutationObserver's notifications.
func (o *Observer) listenBinding() {
	wait := o.tab.Page.Context(o.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == bindingName {
			o.event(sourceJS)
		}
	})
	wait()
}

// event queues one DOM event. Dropping on a full queue is harmless: a
// queued event already guarantees a pass.
func (o *Observer) event(src source) {
	select {
	case o.rawCh <- src:
	default:
	}
}
