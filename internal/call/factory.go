package call

import (
	"sync"

	"github.com/chadiek/practice-call/internal/capture"
)

// Factory builds controllers that share one set of collaborators. Each
// transport brings its own capture session and audio sink. Live sessions
// are tracked so a server can end them all on shutdown.
type Factory struct {
	cfg  Config
	deps Deps

	mu   sync.Mutex
	live map[string]*Controller
}

func NewFactory(cfg Config, deps Deps) *Factory {
	return &Factory{cfg: cfg, deps: deps, live: make(map[string]*Controller)}
}

// New returns an unstarted controller for transport.
func (f *Factory) New(transport string, session capture.Session, sink Sink) *Controller {
	cfg := f.cfg
	cfg.Transport = transport
	deps := f.deps
	deps.Capture = session
	deps.Sink = sink
	c := NewController(cfg, deps)

	f.mu.Lock()
	f.live[c.ID()] = c
	f.mu.Unlock()
	go func() {
		<-c.Done()
		f.mu.Lock()
		delete(f.live, c.ID())
		f.mu.Unlock()
	}()
	return c
}

// Active is the number of sessions that have not finished.
func (f *Factory) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// EndAll ends every live session and waits for them to finish.
func (f *Factory) EndAll() {
	f.mu.Lock()
	live := make([]*Controller, 0, len(f.live))
	for _, c := range f.live {
		live = append(live, c)
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range live {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.End()
		}(c)
	}
	wg.Wait()
}
