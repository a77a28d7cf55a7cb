package mape

import (
	"errors"
	"log"
	"os"
	"time"

	"gridcourier/internal/bus"
	"gridcourier/internal/path"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

// Planner turns decisions into routes. Route computation failures never
// propagate as errors: an unreachable destination becomes an ENTER_STUCK
// result for the executor.
type Planner struct {
	log *log.Logger
	b   *bus.Bus
	now func() time.Time

	snapshots
	lastTick uint64

	cancels []func()
}

type PlannerOption func(*Planner)

func PlannerLogger(l *log.Logger) PlannerOption { return func(p *Planner) { p.log = l } }

func PlannerClock(now func() time.Time) PlannerOption { return func(p *Planner) { p.now = now } }

func NewPlanner(b *bus.Bus, opts ...PlannerOption) *Planner {
	p := &Planner{
		log: log.New(os.Stdout, "[plan] ", log.LstdFlags|log.Lmicroseconds),
		b:   b,
		now: time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Planner) Start() {
	p.cancels = append(p.cancels,
		p.b.Subscribe(bus.TopicKnowledgeUpdate, p.onKnowledge),
		p.b.Subscribe(bus.TopicEnvUpdate, p.onEnvironment),
		p.b.Subscribe(bus.TopicSystemReset, p.onReset),
		p.b.Subscribe(bus.TopicAnalyzeResult, p.onDecision),
	)
}

func (p *Planner) Stop() {
	for _, c := range p.cancels {
		c()
	}
	p.cancels = nil
}

func (p *Planner) onReset(bus.Envelope) {
	p.clear()
	p.mu.Lock()
	p.lastTick = 0
	p.mu.Unlock()
}

func (p *Planner) onDecision(env bus.Envelope) {
	if env.Epoch < p.b.Epoch() {
		return
	}
	d, ok := env.Payload.(protocol.AnalyzeResult)
	if !ok {
		return
	}
	p.mu.Lock()
	if d.Tick <= p.lastTick {
		p.mu.Unlock()
		return
	}
	p.lastTick = d.Tick
	p.mu.Unlock()

	out := p.run(d)
	p.b.Publish(bus.TopicPlanResult, out)
}

func (p *Planner) run(d protocol.AnalyzeResult) protocol.PlanResult {
	out := protocol.PlanResult{Tick: d.Tick, Epoch: d.Epoch, Reason: d.Reason}

	switch d.Decision {
	case protocol.DecisionNoAction:
		out.Action = protocol.ActionContinue
		return out
	case protocol.DecisionEnterStuck:
		out.Action = protocol.ActionEnterStuck
		return out
	case protocol.DecisionResume:
		out.Action = protocol.ActionResume
		return out
	case protocol.DecisionCompleteMission:
		out.Action = protocol.ActionCompleteMission
		return out
	}

	k, e, ok := p.latest(d.Epoch)
	if !ok {
		out.Action = protocol.ActionContinue
		out.Reason = "snapshots unavailable"
		return out
	}
	g, err := grid.FromState(e.Grid)
	if err != nil {
		p.log.Printf("bad grid snapshot: %v", err)
		out.Action = protocol.ActionContinue
		return out
	}
	robot := e.Robot.Pos

	switch d.Decision {
	case protocol.DecisionStartMission:
		pending := k.PendingOrders()
		if len(pending) > k.Capacity {
			pending = pending[:k.Capacity]
		}
		ids := make([]string, len(pending))
		dests := make([]grid.Coord, len(pending))
		for i, o := range pending {
			ids[i] = o.ID
			dests[i] = o.House
		}
		plan, err := p.route(g, robot, dests, protocol.LegDelivery)
		if err != nil {
			return p.stuck(out, err)
		}
		out.Action = protocol.ActionStartMission
		out.OrderIDs = ids
		out.Plan = plan
		p.log.Printf("tick=%d mission plan: %d orders cost=%d", d.Tick, len(ids), plan.Cost)

	case protocol.DecisionReplan:
		var plan *protocol.Plan
		var err error
		if k.MissionState == protocol.MissionReturning || len(k.LoadedOrders()) == 0 {
			plan, err = p.route(g, robot, nil, protocol.LegReturn, k.Base)
		} else {
			loaded := k.LoadedOrders()
			dests := make([]grid.Coord, len(loaded))
			for i, o := range loaded {
				dests[i] = o.House
			}
			plan, err = p.route(g, robot, dests, protocol.LegDelivery)
		}
		if err != nil {
			return p.stuck(out, err)
		}
		p.b.Publish(bus.TopicKnowledgePatch, protocol.Patch{protocol.FieldReplanInc: 1})
		out.Action = protocol.ActionReplan
		out.Plan = plan
		p.log.Printf("tick=%d replanned: cost=%d", d.Tick, plan.Cost)

	case protocol.DecisionBeginReturn:
		plan, err := p.route(g, robot, nil, protocol.LegReturn, k.Base)
		if err != nil {
			return p.stuck(out, err)
		}
		out.Action = protocol.ActionBeginReturn
		out.Plan = plan

	default:
		out.Action = protocol.ActionContinue
	}
	return out
}

// route plans through dests in optimized order, or straight to extra[0]
// when dests is empty. All cells are tagged with leg.
func (p *Planner) route(g *grid.Grid, start grid.Coord, dests []grid.Coord, leg protocol.LegKind, extra ...grid.Coord) (*protocol.Plan, error) {
	var seq, cells []grid.Coord
	var err error
	if len(dests) > 0 {
		seq, cells, err = path.OptimizeSequence(g, start, dests)
	} else if len(extra) > 0 {
		cells, err = path.FindPath(g, start, extra[0])
		seq = extra
	}
	if err != nil {
		return nil, err
	}
	plan := &protocol.Plan{
		Sequence:   seq,
		Cost:       path.Cost(cells),
		ComputedAt: p.now(),
	}
	plan.Path = make([]protocol.PathPoint, len(cells))
	for i, c := range cells {
		plan.Path[i] = protocol.PathPoint{Coord: c, Leg: leg}
	}
	return plan, nil
}

func (p *Planner) stuck(out protocol.PlanResult, err error) protocol.PlanResult {
	if !errors.Is(err, path.ErrNoPath) {
		p.log.Printf("planning failed: %v", err)
	}
	out.Action = protocol.ActionEnterStuck
	out.Reason = err.Error()
	p.log.Printf("tick=%d no feasible route: %v", out.Tick, err)
	return out
}
