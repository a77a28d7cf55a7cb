package protocol

import (
	"time"

	"gridcourier/internal/sim/grid"
)

// OrderStatus is the delivery lifecycle of one order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderLoaded    OrderStatus = "LOADED"
	OrderDelivered OrderStatus = "DELIVERED"
)

// Order is a delivery request for one house.
type Order struct {
	ID        string      `json:"id"`
	House     grid.Coord  `json:"house"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// MissionState is the courier's mission lifecycle.
type MissionState string

const (
	MissionIdle       MissionState = "IDLE"
	MissionCollecting MissionState = "COLLECTING"
	MissionActive     MissionState = "ACTIVE"
	MissionReturning  MissionState = "RETURNING"
	MissionStuck      MissionState = "STUCK"
)

// LegKind tags a contiguous segment of a plan path.
type LegKind string

const (
	LegDelivery LegKind = "DELIVERY"
	LegReturn   LegKind = "RETURN"
)

// PathPoint is one cell of a plan path with its leg tag.
type PathPoint struct {
	grid.Coord
	Leg LegKind `json:"leg"`
}

// Plan is an ordered delivery route plus the concatenated cell path.
type Plan struct {
	Sequence   []grid.Coord `json:"sequence"`
	Path       []PathPoint  `json:"path"`
	Cost       int          `json:"cost"`
	ComputedAt time.Time    `json:"computed_at"`
}

// Metrics accumulate across missions and only reset on a system reset.
type Metrics struct {
	TotalDeliveries int     `json:"total_deliveries"`
	TotalDistance   int     `json:"total_distance"`
	ReplanCount     int     `json:"replan_count"`
	AvgDeliverySec  float64 `json:"avg_delivery_sec"`
}

// KnowledgeSnapshot is the full store state, broadcast on every change.
type KnowledgeSnapshot struct {
	Rev   uint64 `json:"rev"`
	Epoch uint64 `json:"epoch"`

	Base           grid.Coord `json:"base"`
	Capacity       int        `json:"capacity"`
	MissionTimeout float64    `json:"mission_timeout_sec"`

	Orders []Order `json:"orders"`

	Plan      *Plan `json:"plan,omitempty"`
	PlanIndex int   `json:"plan_index"`

	MissionState MissionState `json:"mission_state"`
	PriorState   MissionState `json:"prior_state,omitempty"`

	FirstPendingAt *time.Time `json:"first_pending_at,omitempty"`

	Metrics Metrics `json:"metrics"`
}

// PendingOrders returns the pending orders in creation order.
func (k *KnowledgeSnapshot) PendingOrders() []Order {
	return k.ordersByStatus(OrderPending)
}

// LoadedOrders returns the orders currently on the robot.
func (k *KnowledgeSnapshot) LoadedOrders() []Order {
	return k.ordersByStatus(OrderLoaded)
}

func (k *KnowledgeSnapshot) ordersByStatus(s OrderStatus) []Order {
	var out []Order
	for _, o := range k.Orders {
		if o.Status == s {
			out = append(out, o)
		}
	}
	return out
}

// OrderByID returns the order with the given id, or nil.
func (k *KnowledgeSnapshot) OrderByID(id string) *Order {
	for i := range k.Orders {
		if k.Orders[i].ID == id {
			return &k.Orders[i]
		}
	}
	return nil
}

// EnvironmentSnapshot is the grid plus robot state, broadcast after every
// environment mutation.
type EnvironmentSnapshot struct {
	Rev   uint64          `json:"rev"`
	Epoch uint64          `json:"epoch"`
	Grid  grid.State      `json:"grid"`
	Robot grid.RobotState `json:"robot"`
}

// TickMsg paces one control loop round.
type TickMsg struct {
	Tick uint64 `json:"tick"`
}

// FactRecord is the monitor's output for one tick: pure derivations from
// the latest knowledge and environment snapshots. On an uninitialized
// system only Tick and Epoch are meaningful.
type FactRecord struct {
	Tick         uint64 `json:"tick"`
	Epoch        uint64 `json:"epoch"`
	KnowledgeRev uint64 `json:"knowledge_rev"`
	EnvRev       uint64 `json:"env_rev"`

	Initialized bool `json:"initialized"`

	MissionState MissionState `json:"mission_state"`
	Capacity     int          `json:"capacity"`
	TimeoutSec   float64      `json:"timeout_sec"`

	PathBlocked      bool         `json:"path_blocked"`
	ObstaclesAdded   []grid.Coord `json:"obstacles_added,omitempty"`
	ObstaclesRemoved []grid.Coord `json:"obstacles_removed,omitempty"`

	PendingCount        int     `json:"pending_count"`
	ElapsedSincePending float64 `json:"elapsed_since_pending_sec"`

	LoadedCount int  `json:"loaded_count"`
	AtBase      bool `json:"at_base"`
	PlanDone    bool `json:"plan_done"`

	RobotStuck  bool `json:"robot_stuck"`
	RouteViable bool `json:"route_viable"`
}

// ObstacleDeltaEmpty reports whether no obstacle changed since the
// previous sample.
func (f *FactRecord) ObstacleDeltaEmpty() bool {
	return len(f.ObstaclesAdded) == 0 && len(f.ObstaclesRemoved) == 0
}

// Decision is the analyzer's single adaptation choice per tick.
type Decision string

const (
	DecisionStartMission    Decision = "START_MISSION"
	DecisionReplan          Decision = "REPLAN"
	DecisionEnterStuck      Decision = "ENTER_STUCK"
	DecisionResume          Decision = "RESUME"
	DecisionBeginReturn     Decision = "BEGIN_RETURN"
	DecisionCompleteMission Decision = "COMPLETE_MISSION"
	DecisionNoAction        Decision = "NO_ACTION"
)

// AnalyzeResult carries the decision to the planner.
type AnalyzeResult struct {
	Tick     uint64   `json:"tick"`
	Epoch    uint64   `json:"epoch"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// PlanAction mirrors the decision after route computation has run.
type PlanAction string

const (
	ActionStartMission    PlanAction = "START_MISSION"
	ActionReplan          PlanAction = "REPLAN"
	ActionEnterStuck      PlanAction = "ENTER_STUCK"
	ActionResume          PlanAction = "RESUME"
	ActionBeginReturn     PlanAction = "BEGIN_RETURN"
	ActionCompleteMission PlanAction = "COMPLETE_MISSION"
	ActionContinue        PlanAction = "CONTINUE"
)

// PlanResult carries a fresh plan or a state-only transition to the
// executor.
type PlanResult struct {
	Tick   uint64     `json:"tick"`
	Epoch  uint64     `json:"epoch"`
	Action PlanAction `json:"action"`
	Reason string     `json:"reason,omitempty"`

	// Orders to load at base; set on START_MISSION only.
	OrderIDs []string `json:"order_ids,omitempty"`
	// Set on START_MISSION, REPLAN and BEGIN_RETURN.
	Plan *Plan `json:"plan,omitempty"`
}

// AddOrderMsg creates a pending order for a house. The store assigns the
// id when OrderID is empty.
type AddOrderMsg struct {
	House   grid.Coord `json:"house"`
	OrderID string     `json:"order_id,omitempty"`
}

// ToggleObstacleMsg flips a dynamic obstacle on a cell.
type ToggleObstacleMsg struct {
	Cell grid.Coord `json:"cell"`
}

// MoveCmd asks the environment to step the robot one cell.
type MoveCmd struct {
	Dir grid.Direction `json:"dir"`
}

// LoadCmd puts a pending order on the robot at base.
type LoadCmd struct {
	OrderID string `json:"order_id"`
}

// DeliverCmd drops a carried order at its house.
type DeliverCmd struct {
	OrderID string `json:"order_id"`
}

// InitMsg seeds the system configuration at startup and after reset.
type InitMsg struct {
	Base     grid.Coord `json:"base"`
	Capacity int        `json:"capacity"`
	Timeout  float64    `json:"timeout_sec"`
}
