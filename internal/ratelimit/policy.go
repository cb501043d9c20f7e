package ratelimit

import (
	"sort"
	"time"
)

type PolicyName string

const (
	Anonymous     PolicyName = "anonymous"
	Authenticated PolicyName = "authenticated"
	Premium       PolicyName = "premium"
	Admin         PolicyName = "admin"
	Sensitive     PolicyName = "sensitive"
	AI            PolicyName = "ai"
	Upload        PolicyName = "upload"
	Search        PolicyName = "search"
)

// Names lists every policy in a stable order.
func Names() []PolicyName {
	return []PolicyName{Anonymous, Authenticated, Premium, Admin, Sensitive, AI, Upload, Search}
}

type Policy struct {
	Name      PolicyName
	Window    time.Duration
	Max       int
	Message   string
	KeyPrefix string
}

// Key scopes a caller key ("ip:1.2.3.4", "user:42") to this policy's counters.
func (p Policy) Key(caller string) string {
	return p.KeyPrefix + ":" + caller
}

// perSecond is used to rank policies by strictness.
func (p Policy) perSecond() float64 {
	if p.Window <= 0 {
		return 0
	}
	return float64(p.Max) / p.Window.Seconds()
}

// Table maps a classification to its policy. It is built once at start
// and read-only afterwards.
type Table struct {
	byName    map[PolicyName]Policy
	strictest Policy
}

func DefaultPolicies() map[PolicyName]Policy {
	return map[PolicyName]Policy{
		Anonymous: {
			Name: Anonymous, Window: time.Minute, Max: 60, KeyPrefix: "rl:anon",
			Message: "Too many requests, please try again later.",
		},
		Authenticated: {
			Name: Authenticated, Window: time.Minute, Max: 120, KeyPrefix: "rl:auth",
			Message: "Too many requests, please slow down.",
		},
		Premium: {
			Name: Premium, Window: time.Minute, Max: 300, KeyPrefix: "rl:premium",
			Message: "Too many requests for your plan, please slow down.",
		},
		Admin: {
			Name: Admin, Window: time.Minute, Max: 1000, KeyPrefix: "rl:admin",
			Message: "Admin request limit reached.",
		},
		Sensitive: {
			Name: Sensitive, Window: 15 * time.Minute, Max: 10, KeyPrefix: "rl:sensitive",
			Message: "Too many attempts, please try again in 15 minutes.",
		},
		AI: {
			Name: AI, Window: time.Minute, Max: 10, KeyPrefix: "rl:ai",
			Message: "AI request limit reached, please wait before trying again.",
		},
		Upload: {
			Name: Upload, Window: time.Hour, Max: 30, KeyPrefix: "rl:upload",
			Message: "Upload limit reached, please try again later.",
		},
		Search: {
			Name: Search, Window: time.Minute, Max: 30, KeyPrefix: "rl:search",
			Message: "Too many searches, please slow down.",
		},
	}
}

// NewTable builds a table from policies, filling gaps with the defaults.
// Entries with a non-positive window or max keep the default values.
func NewTable(policies map[PolicyName]Policy) *Table {
	t := &Table{byName: DefaultPolicies()}
	for name, p := range policies {
		def, known := t.byName[name]
		if !known {
			continue
		}
		p.Name = name
		if p.Window <= 0 {
			p.Window = def.Window
		}
		if p.Max <= 0 {
			p.Max = def.Max
		}
		if p.Message == "" {
			p.Message = def.Message
		}
		if p.KeyPrefix == "" {
			p.KeyPrefix = def.KeyPrefix
		}
		t.byName[name] = p
	}
	t.pickStrictest()
	return t
}

// Scale multiplies every max by m, keeping at least 1. Non-positive
// multipliers are ignored.
func (t *Table) Scale(m float64) *Table {
	if m <= 0 || m == 1 {
		return t
	}
	out := make(map[PolicyName]Policy, len(t.byName))
	for name, p := range t.byName {
		p.Max = max(int(float64(p.Max)*m), 1)
		out[name] = p
	}
	return NewTable(out)
}

// Lookup never fails: names outside the enumeration resolve to the
// strictest policy.
func (t *Table) Lookup(name PolicyName) Policy {
	if p, ok := t.byName[name]; ok {
		return p
	}
	return t.strictest
}

func (t *Table) Strictest() Policy { return t.strictest }

func (t *Table) Policies() []Policy {
	out := make([]Policy, 0, len(t.byName))
	for _, name := range Names() {
		out = append(out, t.byName[name])
	}
	return out
}

func (t *Table) pickStrictest() {
	ps := make([]Policy, 0, len(t.byName))
	for _, p := range t.byName {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].perSecond() == ps[j].perSecond() {
			return ps[i].Name < ps[j].Name
		}
		return ps[i].perSecond() < ps[j].perSecond()
	})
	t.strictest = ps[0]
}
