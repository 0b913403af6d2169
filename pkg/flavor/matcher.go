package flavor

import (
	"sync/atomic"

	"github.com/openfroyo/broker/pkg/engine"
)

// Recorder receives match and refresh outcomes, typically for metrics.
type Recorder interface {
	RecordFlavorMatch(cloud, result string)
	RecordCatalogRefresh(cloud string, flavors int, err error)
}

// Matcher answers flavor queries for one cloud against its current catalog.
// It is safe for concurrent use.
type Matcher struct {
	cloud    string
	current  atomic.Pointer[Catalog]
	recorder Recorder
}

// NewMatcher creates a matcher with no catalog loaded.
func NewMatcher(cloud string, recorder Recorder) *Matcher {
	return &Matcher{cloud: cloud, recorder: recorder}
}

// Cloud returns the cloud this matcher serves.
func (m *Matcher) Cloud() string {
	return m.cloud
}

// Swap installs a new catalog snapshot.
func (m *Matcher) Swap(c *Catalog) {
	m.current.Store(c)
}

// Catalog returns the current snapshot, or nil before the first refresh.
func (m *Matcher) Catalog() *Catalog {
	return m.current.Load()
}

// Match picks the smallest flavor satisfying req. Before the first catalog
// is installed it fails with a recoverable error so the order is retried.
func (m *Matcher) Match(req *Requirements) (*engine.Flavor, error) {
	c := m.current.Load()
	if c == nil {
		m.record("not_loaded")
		return nil, engine.NewRecoverableError("flavor catalog not loaded yet", nil).
			WithCloud(m.cloud).
			WithCode(engine.ErrCodeDependencyPending)
	}
	f, err := c.Match(req)
	if err != nil {
		m.record("no_match")
		if e, ok := err.(*engine.Error); ok {
			e.WithCloud(m.cloud)
		}
		return nil, err
	}
	m.record("matched")
	return f, nil
}

// Candidates returns every flavor of the current catalog satisfying req.
func (m *Matcher) Candidates(req *Requirements) []engine.Flavor {
	return m.current.Load().Candidates(req)
}

func (m *Matcher) record(result string) {
	if m.recorder != nil {
		m.recorder.RecordFlavorMatch(m.cloud, result)
	}
}
