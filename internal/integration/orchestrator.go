package integration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/mapping"
	"github.com/opensource-finance/kestrel/internal/params"
	"golang.org/x/sync/errgroup"
)

// Orchestrator finds the node calls able to supply unresolved
// parameters, orders them by data dependency and executes each stage
// concurrently. A node is called at most once per evaluation run, and a
// failed call localizes to the parameters it was meant to supply.
type Orchestrator struct {
	repo   domain.Repository
	client *Client
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(repo domain.Repository, client *Client) *Orchestrator {
	return &Orchestrator{repo: repo, client: client}
}

// plannedCall is one node scheduled within a run, with the parameter
// maps of every API binding that selected it.
type plannedCall struct {
	node     *domain.Node
	maps     []*domain.APIParameterMap
	supplies []string // missing parameters this call is expected to fill
}

// Resolve executes the minimum set of external calls able to supply the
// missing parameters for a target. It returns the newly resolved values
// and, per parameter that stayed unresolved, a typed failure reason.
// The error return is reserved for storage problems; node failures
// never abort the run.
func (o *Orchestrator) Resolve(ctx context.Context, tenantID, targetID string, missing []string, known domain.ParamValues) (domain.ParamValues, map[string]domain.Reason, error) {
	resolved := make(domain.ParamValues)
	failures := make(map[string]domain.Reason)
	if len(missing) == 0 {
		return resolved, failures, nil
	}

	calls, supplier, err := o.plan(ctx, tenantID, targetID, missing, known)
	if err != nil {
		return nil, nil, err
	}

	stages, unstageable := stage(calls, supplier, known)
	for _, call := range unstageable {
		for _, p := range call.supplies {
			failures[p] = domain.Reason{
				Code:        domain.ReasonDataUnavailable,
				Message:     fmt.Sprintf("data unavailable for %s: node %s has an unresolvable dependency", p, call.node.ID),
				ParameterID: p,
			}
		}
	}

	var mu sync.Mutex
	merged := known.Clone()

	for _, wave := range stages {
		g, gctx := errgroup.WithContext(ctx)
		for _, call := range wave {
			call := call
			g.Go(func() error {
				mu.Lock()
				snapshot := merged.Clone()
				mu.Unlock()

				got, failed := o.execute(gctx, call, snapshot)

				mu.Lock()
				defer mu.Unlock()
				for p, v := range got {
					merged[p] = v
					resolved[p] = v
				}
				for p, r := range failed {
					failures[p] = r
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
	}

	// Parameters no selected node could supply at all.
	for _, p := range missing {
		if _, ok := resolved[p]; ok {
			continue
		}
		if _, ok := failures[p]; ok {
			continue
		}
		failures[p] = domain.Reason{
			Code:        domain.ReasonDataUnavailable,
			Message:     fmt.Sprintf("data unavailable for %s: no mapped external source", p),
			ParameterID: p,
		}
	}

	return resolved, failures, nil
}

// plan selects the set of nodes covering the missing parameters and
// indexes which node supplies which parameter. Selecting a node can
// surface template placeholders that only another node produces, so the
// scan repeats until a fixpoint: producers get pulled in even when the
// intermediate value is not a rule parameter itself.
func (o *Orchestrator) plan(ctx context.Context, tenantID, targetID string, missing []string, known domain.ParamValues) (map[string]*plannedCall, map[string]string, error) {
	apis, err := o.repo.ListNodeAPIsForTarget(ctx, tenantID, targetID)
	if err != nil {
		return nil, nil, fmt.Errorf("list node apis: %w", err)
	}

	type binding struct {
		nodeID string
		maps   []*domain.APIParameterMap
	}
	bindings := make([]binding, 0, len(apis))
	for _, api := range apis {
		maps, err := o.repo.ListParameterMaps(ctx, tenantID, api.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list parameter maps: %w", err)
		}
		bindings = append(bindings, binding{nodeID: api.NodeID, maps: maps})
	}

	wanted := make(map[string]struct{}, len(missing))
	for _, p := range missing {
		wanted[p] = struct{}{}
	}

	calls := make(map[string]*plannedCall) // nodeID -> call
	supplier := make(map[string]string)    // paramID -> nodeID
	covered := make(map[string]struct{})
	used := make(map[int]struct{})

	for {
		progress := false
		for i, b := range bindings {
			if _, ok := used[i]; ok {
				continue
			}

			var supplies []string
			for _, m := range b.maps {
				if _, want := wanted[m.TargetParameterID]; !want {
					continue
				}
				if _, done := covered[m.TargetParameterID]; done {
					continue
				}
				supplies = append(supplies, m.TargetParameterID)
			}
			if len(supplies) == 0 {
				continue
			}
			used[i] = struct{}{}

			call, ok := calls[b.nodeID]
			if !ok {
				node, err := o.repo.GetNode(ctx, tenantID, b.nodeID)
				if err != nil {
					slog.Warn("node referenced by api binding not found",
						"tenant_id", tenantID,
						"node_id", b.nodeID,
						"error", err,
					)
					continue
				}
				call = &plannedCall{node: node}
				calls[b.nodeID] = call

				// Template inputs nobody holds yet become wanted so a
				// producing node is selected on the next pass.
				for _, p := range Placeholders(node) {
					if _, ok := known[p]; ok {
						continue
					}
					wanted[p] = struct{}{}
				}
			}

			call.maps = append(call.maps, b.maps...)
			call.supplies = append(call.supplies, supplies...)
			for _, p := range supplies {
				covered[p] = struct{}{}
				supplier[p] = b.nodeID
			}
			// Every mapped output may feed another node's template.
			for _, m := range b.maps {
				if _, ok := supplier[m.TargetParameterID]; !ok {
					supplier[m.TargetParameterID] = b.nodeID
				}
			}
			progress = true
		}
		if !progress {
			break
		}
	}

	return calls, supplier, nil
}

// stage orders planned calls into dependency waves. A call whose
// template references a parameter produced by another selected node
// waits for that node; independent calls share a wave and run
// concurrently. Calls left over after staging depend on something no
// node or caller supplies (or form a cycle).
func stage(calls map[string]*plannedCall, supplier map[string]string, known domain.ParamValues) ([][]*plannedCall, []*plannedCall) {
	deps := make(map[string]map[string]struct{}, len(calls)) // nodeID -> upstream nodeIDs
	for id, call := range calls {
		deps[id] = make(map[string]struct{})
		for _, p := range Placeholders(call.node) {
			if _, ok := known[p]; ok {
				continue
			}
			up, ok := supplier[p]
			if ok && up != id {
				if _, selected := calls[up]; selected {
					deps[id][up] = struct{}{}
				}
			}
		}
	}

	var stages [][]*plannedCall
	done := make(map[string]struct{})

	for len(done) < len(calls) {
		var wave []*plannedCall
		var waveIDs []string
		for id := range calls {
			if _, ok := done[id]; ok {
				continue
			}
			ready := true
			for up := range deps[id] {
				if _, ok := done[up]; !ok {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, calls[id])
				waveIDs = append(waveIDs, id)
			}
		}
		if len(wave) == 0 {
			break
		}
		for _, id := range waveIDs {
			done[id] = struct{}{}
		}
		stages = append(stages, wave)
	}

	var unstageable []*plannedCall
	for id, call := range calls {
		if _, ok := done[id]; !ok {
			unstageable = append(unstageable, call)
		}
	}
	return stages, unstageable
}

// execute runs one planned call and projects the response onto the
// parameters its maps bind.
func (o *Orchestrator) execute(ctx context.Context, call *plannedCall, values domain.ParamValues) (domain.ParamValues, map[string]domain.Reason) {
	got := make(domain.ParamValues)
	failed := make(map[string]domain.Reason)

	body, failure, err := o.client.Call(ctx, call.node, values)
	if err != nil {
		for _, p := range call.supplies {
			failed[p] = domain.Reason{
				Code:        domain.ReasonDataUnavailable,
				Message:     fmt.Sprintf("data unavailable for %s: %v", p, err),
				ParameterID: p,
			}
		}
		return got, failed
	}
	if failure != nil {
		slog.Warn("node call failed",
			"node_id", call.node.ID,
			"kind", string(failure.Kind),
			"status", failure.Status,
		)
		for _, p := range call.supplies {
			failed[p] = failure.ReasonFor(p)
		}
		return got, failed
	}

	for _, m := range call.maps {
		raw, found, err := mapping.Lookup(body, m.SourcePath)
		if err != nil || !found {
			continue
		}
		v, err := params.FromJSON(m.DataType, raw)
		if err != nil {
			failed[m.TargetParameterID] = domain.Reason{
				Code:        domain.ReasonTypeMismatch,
				Message:     fmt.Sprintf("parameter %s: mapped value at %s: %v", m.TargetParameterID, m.SourcePath, err),
				ParameterID: m.TargetParameterID,
			}
			continue
		}
		got[m.TargetParameterID] = v
	}

	for _, p := range call.supplies {
		if _, ok := got[p]; ok {
			continue
		}
		if _, ok := failed[p]; ok {
			continue
		}
		failed[p] = domain.Reason{
			Code:        domain.ReasonDataUnavailable,
			Message:     fmt.Sprintf("data unavailable for %s: path not present in node %s response", p, call.node.ID),
			ParameterID: p,
		}
	}

	return got, failed
}
