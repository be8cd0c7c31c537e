// Package graph holds the in-memory DAG of build artifacts: their
// dependency/dependent edges, a post-order DFS walk, and a grouped build
// order for the scheduler. The Graph owns every node it has seen, so the
// mutual dependency/dependent pointers never need their own lifetime
// management.
package graph

import (
	"fmt"
	"sort"

	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Artifact is a build result derived from a Source.
type Artifact struct {
	Source *morph.Source
	// Name is the chunk/stratum/system output name.
	Name string

	CacheID  cachedir.ID
	CacheKey string

	MetadataVersion int

	dependencies []*Artifact
	dependents   []*Artifact
	depIndex     map[*Artifact]struct{}
}

// Dependencies returns the artifacts that must be built before this one,
// in insertion order.
func (a *Artifact) Dependencies() []*Artifact {
	out := make([]*Artifact, len(a.dependencies))
	copy(out, a.dependencies)
	return out
}

// Dependents returns the artifacts that depend on this one, in insertion
// order.
func (a *Artifact) Dependents() []*Artifact {
	out := make([]*Artifact, len(a.dependents))
	copy(out, a.dependents)
	return out
}

func (a *Artifact) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.Name
}

// New returns a fresh, unattached Artifact.
func New(name string, src *morph.Source, metadataVersion int) *Artifact {
	return &Artifact{
		Name:            name,
		Source:          src,
		MetadataVersion: metadataVersion,
		depIndex:        make(map[*Artifact]struct{}),
	}
}

// Graph holds the full set of artifacts reachable via AddDependency calls.
type Graph struct {
	nodes sets.Set[*Artifact]
	order []*Artifact // first-seen order, for stable tie-breaking
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{nodes: sets.New[*Artifact]()}
}

func (g *Graph) register(a *Artifact) {
	if !g.nodes.Has(a) {
		g.nodes.Insert(a)
		g.order = append(g.order, a)
	}
}

// AddDependency records that dependent depends on dependsOn: dependsOn
// must be built first. It is idempotent and maintains both the forward
// (Dependencies) and reverse (Dependents) edge lists symmetrically.
func (g *Graph) AddDependency(dependent, dependsOn *Artifact) {
	g.register(dependent)
	g.register(dependsOn)

	if _, ok := dependent.depIndex[dependsOn]; ok {
		return
	}
	dependent.depIndex[dependsOn] = struct{}{}
	dependent.dependencies = append(dependent.dependencies, dependsOn)
	dependsOn.dependents = append(dependsOn.dependents, dependent)
}

const (
	stateUnvisited = iota
	stateVisiting
	stateDone
)

// Walk performs a depth-first post-order traversal rooted at root: every
// dependency is yielded before its dependent, and each artifact appears
// exactly once even if reachable via multiple paths.
func (g *Graph) Walk(root *Artifact) ([]*Artifact, error) {
	state := make(map[*Artifact]int)
	var order []*Artifact
	var stack []*Artifact

	var visit func(a *Artifact) error
	visit = func(a *Artifact) error {
		switch state[a] {
		case stateDone:
			return nil
		case stateVisiting:
			return morph.WithKind(morph.KindConfiguration, errors.Wrapf(morph.ErrCycle, "cycle at %s: %s", a.Name, cyclePath(append(stack, a))))
		}
		state[a] = stateVisiting
		stack = append(stack, a)
		for _, dep := range a.dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[a] = stateDone
		order = append(order, a)
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

func cyclePath(stack []*Artifact) string {
	names := make([]string, len(stack))
	for i, a := range stack {
		names[i] = a.Name
	}
	return fmt.Sprint(names)
}

// BuildOrder returns roots' dependency closure grouped so that group i
// contains every artifact all of whose dependencies are in groups < i.
// Ties within a group are broken by the stable order artifacts were first
// registered in.
func (g *Graph) BuildOrder(roots []*Artifact) ([][]*Artifact, error) {
	level := make(map[*Artifact]int)
	state := make(map[*Artifact]int)
	reachable := sets.New[*Artifact]()

	var assign func(a *Artifact, stack []*Artifact) (int, error)
	assign = func(a *Artifact, stack []*Artifact) (int, error) {
		if lv, ok := level[a]; ok {
			return lv, nil
		}
		if state[a] == stateVisiting {
			return 0, morph.WithKind(morph.KindConfiguration, errors.Wrapf(morph.ErrCycle, "cycle at %s: %s", a.Name, cyclePath(append(stack, a))))
		}
		state[a] = stateVisiting
		stack = append(stack, a)

		reachable.Insert(a)
		lv := 0
		for _, dep := range a.dependencies {
			dlv, err := assign(dep, stack)
			if err != nil {
				return 0, err
			}
			if dlv+1 > lv {
				lv = dlv + 1
			}
		}
		state[a] = stateDone
		level[a] = lv
		return lv, nil
	}

	for _, r := range roots {
		// A root with no edges was never registered by AddDependency.
		g.register(r)
		if _, err := assign(r, nil); err != nil {
			return nil, err
		}
	}

	maxLevel := -1
	for _, lv := range level {
		if lv > maxLevel {
			maxLevel = lv
		}
	}

	groups := make([][]*Artifact, maxLevel+1)
	// g.order gives the stable first-seen order across the whole graph;
	// restrict it to what's reachable from roots.
	for _, a := range g.order {
		if !reachable.Has(a) {
			continue
		}
		lv := level[a]
		groups[lv] = append(groups[lv], a)
	}

	return groups, nil
}

// sortedNames is a small test/debug helper: stable, deterministic naming
// for a slice of artifacts.
func sortedNames(as []*Artifact) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Name
	}
	sort.Strings(out)
	return out
}
