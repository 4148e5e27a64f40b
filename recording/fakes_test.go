package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now.UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			t.ch <- c.now
			continue
		}
		kept = append(kept, t)
	}
	c.timers = kept
}

// fakeEncoder writes a manifest and one chunk per process start and tracks
// how many processes run at once.
type fakeEncoder struct {
	mu         sync.Mutex
	jobs       []Job
	procs      []*fakeProcess
	failStarts int
	noOutput   bool
	blockStop  chan struct{}

	active    int32
	maxActive int32
}

func (e *fakeEncoder) Start(_ context.Context, job Job) (Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failStarts > 0 {
		e.failStarts--
		return nil, errors.New("exec: ffmpeg: executable file not found")
	}
	n := atomic.AddInt32(&e.active, 1)
	if n > atomic.LoadInt32(&e.maxActive) {
		atomic.StoreInt32(&e.maxActive, n)
	}
	p := &fakeProcess{
		enc:       e,
		job:       job,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		blockStop: e.blockStop,
	}
	e.jobs = append(e.jobs, job)
	e.procs = append(e.procs, p)
	if !e.noOutput {
		name := ChunkName(job.StartNumber)
		_ = os.WriteFile(filepath.Join(job.Dir, name), []byte("ts"), 0o644)
		appendFile(filepath.Join(job.Dir, ManifestName), "#EXTM3U\n#EXTINF:2.000000,\n"+name+"\n")
		close(p.ready)
	}
	return p, nil
}

func (e *fakeEncoder) jobCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *fakeEncoder) job(i int) Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[i]
}

func (e *fakeEncoder) proc(i int) *fakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procs[i]
}

type fakeProcess struct {
	enc       *fakeEncoder
	job       Job
	ready     chan struct{}
	done      chan struct{}
	once      sync.Once
	err       error
	stopped   atomic.Bool
	blockStop chan struct{}
}

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() {
		p.err = err
		atomic.AddInt32(&p.enc.active, -1)
		close(p.done)
	})
}

// crash simulates the encoder dying on its own.
func (p *fakeProcess) crash(err error) { p.finish(err) }

func (p *fakeProcess) Ready() <-chan struct{} { return p.ready }
func (p *fakeProcess) Done() <-chan struct{}  { return p.done }
func (p *fakeProcess) Err() error             { return p.err }

func (p *fakeProcess) Stop(time.Duration) error {
	if p.blockStop != nil {
		<-p.blockStop
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	p.stopped.Store(true)
	appendFile(filepath.Join(p.job.Dir, ManifestName), "#EXT-X-ENDLIST\n")
	p.finish(nil)
	return nil
}

func appendFile(path, s string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s)
}
