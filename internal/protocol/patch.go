package protocol

// Patch is a partial knowledge update: field name to new value. The store
// validates every entry before applying any, so a patch lands whole or
// not at all. Re-applying a state-field patch is a no-op beyond the
// revision bump; the metric fields are increments folded into the store's
// own counters, so concurrent writers working from stale snapshots cannot
// roll a counter backwards.
type Patch map[string]any

// Field names accepted in a Patch. Value types are noted per field.
const (
	FieldMissionState   = "mission_state"    // MissionState
	FieldPriorState     = "prior_state"      // MissionState, "" clears
	FieldPlan           = "plan"             // *Plan, nil clears
	FieldPlanIndex      = "plan_index"       // int >= 0
	FieldFirstPendingAt = "first_pending_at" // *time.Time, nil clears
	FieldOrderStatus    = "order_status"     // map[string]OrderStatus by id

	// Metric increments.
	FieldDistanceInc    = "distance_inc"    // int >= 0, adds to TotalDistance
	FieldReplanInc      = "replan_inc"      // int >= 0, adds to ReplanCount
	FieldDeliverySample = "delivery_sample" // []float64 order ages in seconds, each folded into TotalDeliveries/AvgDeliverySec
)
