package reference

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// Key is the lookup key of mapping tables: the trimmed, upper-cased raw
// value. Records are looked up by their upper-cased field, which is also
// what UPPER(column) yields in SQL.
func Key(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

type memo[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
}

func (m *memo[T]) get(load func() (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return m.val, nil
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	m.val, m.done = v, true
	return v, nil
}

// Cache is a read-through view of the reference tables owned by one
// pipeline run, remediation or verification. Each table is loaded at most
// once; a failed load is retried on the next access. Create a new Cache per
// run so later runs see reference updates.
type Cache struct {
	repo  Repository
	loads atomic.Int64

	values     memo[map[string]float64]
	priorities memo[map[string]string]
	categories memo[map[string]string]
	clients    memo[map[string]Client]
	doctors    memo[[]Doctor]
	cadastre   memo[map[string]CadastreExam]
	dynamic    memo[[]DynamicRule]
}

func NewCache(repo Repository) *Cache {
	return &Cache{repo: repo}
}

// Loads returns how many table loads reached the repository.
func (c *Cache) Loads() int64 {
	return c.loads.Load()
}

// Values returns the de-para value mapping keyed by Key(exam name).
func (c *Cache) Values(ctx context.Context) (map[string]float64, error) {
	return c.values.get(func() (map[string]float64, error) {
		c.loads.Add(1)
		rows, err := c.repo.ValueMappings(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]float64, len(rows))
		for _, r := range rows {
			out[Key(r.ExamName)] = r.Value
		}
		return out, nil
	})
}

func mappingIndex(rows []Mapping) map[string]string {
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[Key(r.Raw)] = Key(r.Canonical)
	}
	return out
}

// Priorities returns raw to canonical priority, keyed by Key(raw).
func (c *Cache) Priorities(ctx context.Context) (map[string]string, error) {
	return c.priorities.get(func() (map[string]string, error) {
		c.loads.Add(1)
		rows, err := c.repo.PriorityMappings(ctx)
		if err != nil {
			return nil, err
		}
		return mappingIndex(rows), nil
	})
}

// Categories returns raw to canonical category, keyed by Key(raw).
func (c *Cache) Categories(ctx context.Context) (map[string]string, error) {
	return c.categories.get(func() (map[string]string, error) {
		c.loads.Add(1)
		rows, err := c.repo.CategoryMappings(ctx)
		if err != nil {
			return nil, err
		}
		return mappingIndex(rows), nil
	})
}

// ActiveClients returns the active registry entries keyed by client id.
func (c *Cache) ActiveClients(ctx context.Context) (map[string]Client, error) {
	return c.clients.get(func() (map[string]Client, error) {
		c.loads.Add(1)
		rows, err := c.repo.Clients(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]Client, len(rows))
		for _, r := range rows {
			if r.Active && strings.TrimSpace(r.CanonicalName) != "" {
				out[r.ID] = r
			}
		}
		return out, nil
	})
}

func (c *Cache) Doctors(ctx context.Context) ([]Doctor, error) {
	return c.doctors.get(func() ([]Doctor, error) {
		c.loads.Add(1)
		return c.repo.Doctors(ctx)
	})
}

// Cadastre returns the exam cadastre keyed by Key(exam name).
func (c *Cache) Cadastre(ctx context.Context) (map[string]CadastreExam, error) {
	return c.cadastre.get(func() (map[string]CadastreExam, error) {
		c.loads.Add(1)
		rows, err := c.repo.Cadastre(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]CadastreExam, len(rows))
		for _, r := range rows {
			out[Key(r.ExamName)] = r
		}
		return out, nil
	})
}

// DynamicRules returns every stored dynamic rule ordered by priority then id.
func (c *Cache) DynamicRules(ctx context.Context) ([]DynamicRule, error) {
	return c.dynamic.get(func() ([]DynamicRule, error) {
		c.loads.Add(1)
		return c.repo.DynamicRules(ctx)
	})
}
