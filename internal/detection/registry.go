package detection

import (
	"fmt"
	"sort"
)

// Registry holds the enabled detectors and the validated execution plan.
// It is built once at startup; an invalid manifest graph (cycles,
// duplicate names) refuses to start the process.
type Registry struct {
	detectors map[string]Detector
	order     []string // stable registration order
}

// NewRegistry validates and indexes the given detectors.
func NewRegistry(detectors ...Detector) (*Registry, error) {
	r := &Registry{detectors: make(map[string]Detector, len(detectors))}
	for _, d := range detectors {
		m := d.Manifest()
		if m.Name == "" {
			return nil, fmt.Errorf("registry: detector with empty name")
		}
		if _, dup := r.detectors[m.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate detector name %q", m.Name)
		}
		r.detectors[m.Name] = d
		r.order = append(r.order, m.Name)
	}
	if err := r.checkCycles(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a detector by name.
func (r *Registry) Get(name string) (Detector, bool) {
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns detector names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select returns the subset of detectors named by the policy, in
// registration order. Unknown names produce an error so a typo in a
// policy file fails fast at startup.
func (r *Registry) Select(names []string) ([]Detector, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.detectors[n]; !ok {
			return nil, fmt.Errorf("registry: policy references unknown detector %q", n)
		}
		want[n] = true
	}
	var out []Detector
	for _, n := range r.order {
		if want[n] {
			out = append(out, r.detectors[n])
		}
	}
	return out, nil
}

// checkCycles rejects manifest graphs where detectors require signals in a
// cycle (A emits x and requires y, B emits y and requires x). The check
// runs over (required ∪ triggers) → emits edges.
func (r *Registry) checkCycles() error {
	emitters := make(map[string][]string) // signal -> detector names
	for name, d := range r.detectors {
		for _, sig := range d.Manifest().EmitsSignals {
			emitters[sig] = append(emitters[sig], name)
		}
	}

	// adjacency: detector -> detectors it depends on
	deps := make(map[string][]string)
	for name, d := range r.detectors {
		m := d.Manifest()
		seen := map[string]bool{}
		for _, sig := range append(append([]string{}, m.RequiredSignals...), m.TriggersOn...) {
			for _, e := range emitters[sig] {
				if e != name && !seen[e] {
					deps[name] = append(deps[name], e)
					seen[e] = true
				}
			}
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(n string, path []string) error
	visit = func(n string, path []string) error {
		switch color[n] {
		case grey:
			return fmt.Errorf("registry: cyclic detector dependency: %v -> %s", path, n)
		case black:
			return nil
		}
		color[n] = grey
		for _, dep := range deps[n] {
			if err := visit(dep, append(path, n)); err != nil {
				return err
			}
		}
		color[n] = black
		return nil
	}

	names := make([]string, 0, len(r.detectors))
	for n := range r.detectors {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n, nil); err != nil {
			return err
		}
	}
	return nil
}

// Plan is the per-policy execution layout: detectors grouped by phase,
// with standard detectors layered into dependency waves.
type Plan struct {
	Pre      []Detector
	Waves    [][]Detector // standard phase, topologically layered
	AI       []Detector
	Late     []Detector
	Post     []Detector
	Skipped  []string // detectors whose requirements no enabled peer can satisfy
	ByName   map[string]Detector
	Emitters map[string]bool // every signal some enabled detector can emit
}

// BuildPlan layers the enabled detectors into waves. Wave 0 holds
// detectors with no unmet required signals; each later wave holds
// detectors whose requirements are satisfied by earlier emitters or that
// trigger on signals emitted earlier. seeds are signals the middleware
// writes before any detector runs (signature bundle, geo lookup).
func (r *Registry) BuildPlan(enabled []Detector, seeds ...string) *Plan {
	plan := &Plan{
		ByName:   make(map[string]Detector),
		Emitters: make(map[string]bool),
	}
	for _, sig := range seeds {
		plan.Emitters[sig] = true
	}

	var standard []Detector
	for _, d := range enabled {
		m := d.Manifest()
		plan.ByName[m.Name] = d
		for _, sig := range m.EmitsSignals {
			plan.Emitters[sig] = true
		}
		switch m.Phase {
		case PhasePre:
			plan.Pre = append(plan.Pre, d)
		case PhaseAI:
			plan.AI = append(plan.AI, d)
		case PhaseLate:
			plan.Late = append(plan.Late, d)
		case PhasePost:
			plan.Post = append(plan.Post, d)
		default:
			standard = append(standard, d)
		}
	}

	available := make(map[string]bool)
	for _, sig := range seeds {
		available[sig] = true
	}
	remaining := standard
	for len(remaining) > 0 {
		var wave, next []Detector
		for _, d := range remaining {
			m := d.Manifest()
			if unmet(m.RequiredSignals, available, plan.Emitters) {
				plan.Skipped = append(plan.Skipped, m.Name)
				continue
			}
			if ready(m, available) {
				wave = append(wave, d)
			} else {
				next = append(next, d)
			}
		}
		if len(wave) == 0 {
			// Nothing became ready: the rest can never run.
			for _, d := range next {
				plan.Skipped = append(plan.Skipped, d.Manifest().Name)
			}
			break
		}
		// Signals from this wave become visible to the next.
		for _, d := range wave {
			for _, sig := range d.Manifest().EmitsSignals {
				available[sig] = true
			}
		}
		sort.SliceStable(wave, func(i, j int) bool {
			return wave[i].Manifest().Priority > wave[j].Manifest().Priority
		})
		plan.Waves = append(plan.Waves, wave)
		remaining = next
	}

	return plan
}

// ready reports whether every required signal is already available and,
// when the detector declares triggers, at least one trigger fired.
func ready(m Manifest, available map[string]bool) bool {
	for _, sig := range m.RequiredSignals {
		if !available[sig] {
			return false
		}
	}
	if len(m.TriggersOn) > 0 {
		for _, sig := range m.TriggersOn {
			if available[sig] {
				return true
			}
		}
		return false
	}
	return true
}

// unmet reports whether some required signal can never appear: no enabled
// detector emits it and it is not yet on the board.
func unmet(required []string, available, emitters map[string]bool) bool {
	for _, sig := range required {
		if !available[sig] && !emitters[sig] {
			return true
		}
	}
	return false
}
