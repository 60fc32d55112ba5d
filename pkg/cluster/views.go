package cluster

import (
	"context"
	"errors"
	"sync"

	"bookkeeper/pkg/types"

	"golang.org/x/sync/singleflight"
)

var ErrViewsClosed = errors.New("cluster views are closed")

// Views holds one lazily created View per cluster type.
type Views struct {
	factory func(types.ClusterType) (Manager, error)
	opts    ViewOptions
	ctx     context.Context

	// create coalesces first use of a type; the initial refresh runs
	// outside mu so one slow provider does not stall the others.
	create singleflight.Group

	mu     sync.Mutex
	views  map[types.ClusterType]*View
	closed bool
}

// NewViews refreshes created views in the background until ctx is done or
// Close is called.
func NewViews(ctx context.Context, factory func(types.ClusterType) (Manager, error), opts ViewOptions) *Views {
	return &Views{
		factory: factory,
		opts:    opts,
		views:   make(map[types.ClusterType]*View),
		ctx:     ctx,
	}
}

func (vs *Views) lookup(t types.ClusterType) (*View, bool, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed {
		return nil, false, ErrViewsClosed
	}
	v, ok := vs.views[t]
	return v, ok, nil
}

// Get returns the view for t, creating and starting it on first use.
// Manager construction errors are returned and nothing is cached.
func (vs *Views) Get(t types.ClusterType) (*View, error) {
	if v, ok, err := vs.lookup(t); ok || err != nil {
		return v, err
	}

	res, err, _ := vs.create.Do(t.String(), func() (interface{}, error) {
		if v, ok, err := vs.lookup(t); ok || err != nil {
			return v, err
		}

		manager, err := vs.factory(t)
		if err != nil {
			return nil, err
		}
		v := NewView(vs.ctx, manager, vs.opts)

		vs.mu.Lock()
		defer vs.mu.Unlock()
		if vs.closed {
			return nil, ErrViewsClosed
		}
		// Put may have installed one meanwhile.
		if existing, ok := vs.views[t]; ok {
			return existing, nil
		}
		v.Start(vs.ctx)
		vs.views[t] = v
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*View), nil
}

// Put installs a prebuilt view, replacing any existing one for its type.
func (vs *Views) Put(v *View) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if old, ok := vs.views[v.GetClusterType()]; ok && old != v {
		old.Stop()
	}
	vs.views[v.GetClusterType()] = v
}

func (vs *Views) Close() {
	vs.mu.Lock()
	vs.closed = true
	views := vs.views
	vs.views = make(map[types.ClusterType]*View)
	vs.mu.Unlock()

	for _, v := range views {
		v.Stop()
	}
}
