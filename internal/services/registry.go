package services

import (
	"github.com/fyrsmithlabs/contextengine/internal/bus"
	httpapi "github.com/fyrsmithlabs/contextengine/internal/http"
	"github.com/fyrsmithlabs/contextengine/internal/ingest"
	"github.com/fyrsmithlabs/contextengine/internal/mcp"
	"github.com/fyrsmithlabs/contextengine/internal/scheduler"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signalstore"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
	"github.com/fyrsmithlabs/contextengine/internal/watcher"
)

// Registry provides access to the engine's components.
// Bus and Watcher are nil when disabled.
type Registry interface {
	Store() *signalstore.Store
	Ingest() *ingest.Service
	Search() *search.Service
	Synthesizer() *synthesizer.Synthesizer
	Sessions() session.Service
	Bus() *bus.Bus
	Watcher() *watcher.Watcher
	Scheduler() *scheduler.Scheduler

	// HTTP returns the dependencies of the HTTP API.
	HTTP() httpapi.Services
	// MCP returns the dependencies of the MCP tools.
	MCP() mcp.Services
}

// Options configures the registry with component instances.
type Options struct {
	Store       *signalstore.Store
	Ingest      *ingest.Service
	Search      *search.Service
	Synthesizer *synthesizer.Synthesizer
	Sessions    session.Service
	Bus         *bus.Bus
	Watcher     *watcher.Watcher
	Scheduler   *scheduler.Scheduler
}

type registry struct {
	store       *signalstore.Store
	ingest      *ingest.Service
	search      *search.Service
	synthesizer *synthesizer.Synthesizer
	sessions    session.Service
	bus         *bus.Bus
	watcher     *watcher.Watcher
	scheduler   *scheduler.Scheduler
}

// NewRegistry creates a registry over already built components.
func NewRegistry(opts Options) Registry {
	return &registry{
		store:       opts.Store,
		ingest:      opts.Ingest,
		search:      opts.Search,
		synthesizer: opts.Synthesizer,
		sessions:    opts.Sessions,
		bus:         opts.Bus,
		watcher:     opts.Watcher,
		scheduler:   opts.Scheduler,
	}
}

func (r *registry) Store() *signalstore.Store             { return r.store }
func (r *registry) Ingest() *ingest.Service               { return r.ingest }
func (r *registry) Search() *search.Service               { return r.search }
func (r *registry) Synthesizer() *synthesizer.Synthesizer { return r.synthesizer }
func (r *registry) Sessions() session.Service             { return r.sessions }
func (r *registry) Bus() *bus.Bus                         { return r.bus }
func (r *registry) Watcher() *watcher.Watcher             { return r.watcher }
func (r *registry) Scheduler() *scheduler.Scheduler       { return r.scheduler }

func (r *registry) HTTP() httpapi.Services {
	return httpapi.Services{
		Ingest:   r.ingest,
		Context:  r.synthesizer,
		Search:   r.search,
		Window:   r.store,
		Sessions: r.sessions,
	}
}

func (r *registry) MCP() mcp.Services {
	return mcp.Services{
		Ingest:   r.ingest,
		Context:  r.synthesizer,
		Search:   r.search,
		Window:   r.store,
		Sessions: r.sessions,
	}
}
