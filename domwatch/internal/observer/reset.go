package observer

// handleDocReset reacts to DOM.documentUpdated: the whole document was
// replaced (reload, document.open). Node tracking and the page observer are
// re-established and a pass is requested for whatever the new document holds.
func (o *Observer) handleDocReset() {
	o.logger.Info("observer: document replaced")
	o.debouncer.flush()

	if err := o.trackDOM(); err != nil {
		o.logger.Error("observer: re-init DOM tracking failed", "error", err)
	}
	if _, err := o.tab.Page.Context(o.ctx).Eval(observerJS); err != nil {
		o.logger.Warn("observer: re-install mutation observer failed", "error", err)
	}
	o.notify()
}
