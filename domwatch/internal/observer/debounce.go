package observer

import "time"

// debounceConfig controls how DOM events are grouped into mutation triggers.
type debounceConfig struct {
	// Window is the quiet time that closes a batch. Default: 100ms.
	Window time.Duration
	// MaxBuffer closes a batch immediately at this many events. Default: 500.
	MaxBuffer int
}

func (dc *debounceConfig) defaults() {
	if dc.Window <= 0 {
		dc.Window = 100 * time.Millisecond
	}
	if dc.MaxBuffer <= 0 {
		dc.MaxBuffer = 500
	}
}

// debouncer counts structural DOM events per source and hands the counts to
// flushFn once the page goes quiet for a window or the buffer fills. It is
// owned by the observer's run goroutine.
type debouncer struct {
	cfg     debounceConfig
	pending map[source]int
	total   int
	timer   *time.Timer
	timerCh <-chan time.Time
	flushFn func(map[source]int)
}

func newDebouncer(cfg debounceConfig, flushFn func(map[source]int)) *debouncer {
	cfg.defaults()
	return &debouncer{
		cfg:     cfg,
		pending: make(map[source]int),
		flushFn: flushFn,
	}
}

// add records one event. It reports whether the buffer filled and the batch
// was flushed at once.
func (d *debouncer) add(src source) bool {
	d.pending[src]++
	d.total++

	if d.total >= d.cfg.MaxBuffer {
		d.flush()
		return true
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.cfg.Window)
	d.timerCh = d.timer.C
	return false
}

// timerC fires when the window expires. Nil while nothing is pending.
func (d *debouncer) timerC() <-chan time.Time {
	return d.timerCh
}

func (d *debouncer) flush() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
	if d.total == 0 {
		return
	}
	batch := d.pending
	d.pending = make(map[source]int)
	d.total = 0
	d.flushFn(batch)
}
