package rebuild

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedDoc serialises access to a fakeDoc shared with the test goroutine.
type lockedDoc struct {
	mu  sync.Mutex
	doc *fakeDoc
}

func (l *lockedDoc) Query(tag, class string) ([]Element, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Query(tag, class)
}

type passLog struct {
	mu       sync.Mutex
	triggers []Trigger
	results  []Result
}

func (p *passLog) record(tr Trigger, res Result, _ time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers = append(p.triggers, tr)
	p.results = append(p.results, res)
}

func (p *passLog) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.triggers)
}

func TestLoop_ReadyFiresOnce(t *testing.T) {
	doc := &lockedDoc{doc: &fakeDoc{}}
	doc.doc.add(map[string]string{"class": "elementor-video", "src": "https://www.youtube.com/embed/a"})

	ready := make(chan struct{})
	log := &passLog{}
	loop := NewLoop(Default(nil), doc, LoopConfig{Ready: ready, OnPass: log.record})
	loop.Start()
	defer loop.Stop()

	close(ready)
	require.Eventually(t, func() bool { return log.len() == 1 }, time.Second, 5*time.Millisecond)

	// A closed ready channel must not spin the loop.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, log.len())
	assert.Equal(t, TriggerReady, log.triggers[0])
	assert.Len(t, log.results[0].Rebuilt, 1)
}

func TestLoop_MutationRebuildsInsertedElement(t *testing.T) {
	doc := &lockedDoc{doc: &fakeDoc{}}
	ready := make(chan struct{})
	mutations := make(chan struct{}, 1)
	log := &passLog{}

	loop := NewLoop(Default(nil), doc, LoopConfig{Ready: ready, Mutations: mutations, OnPass: log.record})
	loop.Start()
	defer loop.Stop()

	close(ready)
	require.Eventually(t, func() bool { return log.len() == 1 }, time.Second, 5*time.Millisecond)

	doc.mu.Lock()
	doc.doc.add(map[string]string{"class": "elementor-video", "src": "https://www.youtube.com/embed/late"})
	doc.mu.Unlock()
	mutations <- struct{}{}

	require.Eventually(t, func() bool { return log.len() == 2 }, time.Second, 5*time.Millisecond)

	doc.mu.Lock()
	defer doc.mu.Unlock()
	assert.Equal(t, "https://www.youtube.com/embed/late?rel=0&playsinline=1", doc.doc.els[0].attrs["src"])
	assert.Equal(t, TriggerMutation, log.triggers[1])
}

func TestLoop_KickAndStop(t *testing.T) {
	doc := &lockedDoc{doc: &fakeDoc{}}
	log := &passLog{}
	loop := NewLoop(Default(nil), doc, LoopConfig{OnPass: log.record})
	loop.Start()

	loop.Kick()
	require.Eventually(t, func() bool { return log.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, TriggerManual, log.triggers[0])
	assert.Equal(t, uint64(1), loop.Passes())

	loop.Stop()
	loop.Stop()
	select {
	case <-loop.Done():
	default:
		t.Fatal("loop still running after Stop")
	}
}

func TestLoop_StopWithoutStart(t *testing.T) {
	loop := NewLoop(Default(nil), &lockedDoc{doc: &fakeDoc{}}, LoopConfig{})
	loop.Stop()
	loop.Start() // no-op once stopped
	<-loop.Done()
}

func TestLoop_ClosedMutationsStopsListening(t *testing.T) {
	doc := &lockedDoc{doc: &fakeDoc{}}
	mutations := make(chan struct{})
	log := &passLog{}
	loop := NewLoop(Default(nil), doc, LoopConfig{Mutations: mutations, OnPass: log.record})
	loop.Start()
	defer loop.Stop()

	close(mutations)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, log.len())
}

func TestLoop_ReadyRunsBeforeQueuedMutationAndKick(t *testing.T) {
	doc := &lockedDoc{doc: &fakeDoc{}}
	doc.doc.add(map[string]string{"class": "elementor-video", "src": "https://www.youtube.com/embed/a"})

	ready := make(chan struct{})
	mutations := make(chan struct{}, 1)
	close(ready)
	mutations <- struct{}{}

	log := &passLog{}
	loop := NewLoop(Default(nil), doc, LoopConfig{Ready: ready, Mutations: mutations, OnPass: log.record})
	loop.Kick()
	loop.Start()
	defer loop.Stop()

	require.Eventually(t, func() bool { return log.len() == 3 }, time.Second, 5*time.Millisecond)
	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, TriggerReady, log.triggers[0])
	assert.Len(t, log.results[0].Rebuilt, 1, "the ready pass does the work")
	assert.ElementsMatch(t, []Trigger{TriggerMutation, TriggerManual}, log.triggers[1:])
}
