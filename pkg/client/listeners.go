package client

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

/*
RefetchFn reloads one cached view of server data. It runs off the caller's
goroutine, so implementations must be safe to invoke concurrently with
application code.
*/
type RefetchFn func(ctx context.Context) error

/*
RemoteLink is the subset of a broker session the listener core needs:
joining and leaving resource interest sets. A nil link means purely local
invalidation.
*/
type RemoteLink interface {
	Listen(resources []string) error
	Unlisten(resources []string) error
}

/*
Listener is the handle returned by Register. Holding the handle keeps the
subscription alive; Remove releases it.
*/
type Listener struct {
	resources []string
	refetch   RefetchFn
	remote    bool
}

/*
Listeners maps resources to the refetch functions that must run when those
resources change. Only remote listeners count toward broker interest: the
first remote listener on a resource starts a broker listen, the last one
leaving stops it. Local listeners refetch on mutations in this process and
never touch the link.
*/
type Listeners struct {
	mu           sync.Mutex
	byResource   map[string]map[*Listener]struct{}
	remoteCounts map[string]int
	link         RemoteLink
}

// NewListeners builds an empty listener core with no remote link.
func NewListeners() *Listeners {
	return &Listeners{
		byResource:   map[string]map[*Listener]struct{}{},
		remoteCounts: map[string]int{},
	}
}

// AttachRemote connects the core to a broker session. Resources that
// already have listeners are announced immediately.
func (l *Listeners) AttachRemote(link RemoteLink) error {
	l.mu.Lock()

	l.link = link

	pending := make([]string, 0, len(l.remoteCounts))
	for resource, count := range l.remoteCounts {
		if count > 0 {
			pending = append(pending, resource)
		}
	}

	l.mu.Unlock()

	if link == nil || len(pending) == 0 {
		return nil
	}
	return link.Listen(pending)
}

// Register subscribes refetch to every resource in resources and returns
// the handle that keeps the subscription alive. A remote listener also
// joins the broker's updated-event stream for its resources; a local one
// only reacts to mutations made through this client.
func (l *Listeners) Register(resources []string, refetch RefetchFn, remote bool) (*Listener, error) {
	listener := &Listener{resources: dedupe(resources), refetch: refetch, remote: remote}

	l.mu.Lock()

	fresh := make([]string, 0, len(listener.resources))
	for _, resource := range listener.resources {
		set, ok := l.byResource[resource]
		if !ok {
			set = map[*Listener]struct{}{}
			l.byResource[resource] = set
		}
		set[listener] = struct{}{}

		if remote {
			l.remoteCounts[resource]++
			if l.remoteCounts[resource] == 1 {
				fresh = append(fresh, resource)
			}
		}
	}
	link := l.link

	l.mu.Unlock()

	if link != nil && len(fresh) > 0 {
		if err := link.Listen(fresh); err != nil {
			l.Remove(listener)
			return nil, err
		}
	}

	return listener, nil
}

// Remove drops the listener. Resources left with no remote listeners are
// unlistened remotely.
func (l *Listeners) Remove(listener *Listener) {
	if listener == nil {
		return
	}

	l.mu.Lock()

	idle := make([]string, 0, len(listener.resources))
	for _, resource := range listener.resources {
		set, ok := l.byResource[resource]
		if !ok {
			continue
		}
		if _, member := set[listener]; !member {
			continue
		}

		delete(set, listener)
		if len(set) == 0 {
			delete(l.byResource, resource)
		}

		if listener.remote {
			l.remoteCounts[resource]--
			if l.remoteCounts[resource] <= 0 {
				delete(l.remoteCounts, resource)
				idle = append(idle, resource)
			}
		}
	}
	link := l.link

	l.mu.Unlock()

	if link != nil && len(idle) > 0 {
		if err := link.Unlisten(idle); err != nil {
			log.Error("unlisten failed", "resources", idle, "error", err)
		}
	}
}

// OnUpdated fans out refetches for every listener on resource. Each
// distinct listener runs once even when it watches the resource through
// several registrations.
func (l *Listeners) OnUpdated(ctx context.Context, resource string) error {
	return l.refetchAll(ctx, l.collect([]string{resource}))
}

// AfterMutation refetches every listener touching any of the mutation's
// resources. A listener watching several of them still refetches exactly
// once.
func (l *Listeners) AfterMutation(resources []string) {
	affected := l.collect(resources)
	if len(affected) == 0 {
		return
	}
	if err := l.refetchAll(context.Background(), affected); err != nil {
		log.Error("post-mutation refetch failed", "error", err)
	}
}

func (l *Listeners) collect(resources []string) []*Listener {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := map[*Listener]struct{}{}
	affected := []*Listener{}

	for _, resource := range resources {
		for listener := range l.byResource[resource] {
			if _, dup := seen[listener]; dup {
				continue
			}
			seen[listener] = struct{}{}
			affected = append(affected, listener)
		}
	}

	return affected
}

func (l *Listeners) refetchAll(ctx context.Context, affected []*Listener) error {
	if len(affected) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, listener := range affected {
		refetch := listener.refetch
		group.Go(func() error {
			return refetch(groupCtx)
		})
	}

	return group.Wait()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
