package bus

// Topic names. Grouped by owner: who publishes on the topic.
const (
	// System lifecycle, published by the server or a UI reset.
	TopicSystemInit  = "system/init"
	TopicSystemReset = "system/reset"

	// User commands from the UI.
	TopicUserAddOrder       = "user/add_order"
	TopicUserToggleObstacle = "user/toggle_obstacle"

	// Loop pacing, published by the trigger.
	TopicLoopTick = "loop/tick"

	// Control loop stage outputs.
	TopicMonitorResult = "mape/monitor/result"
	TopicAnalyzeResult = "mape/analyze/result"
	TopicPlanResult    = "mape/plan/result"

	// Knowledge store: patch requests in, full snapshots out.
	TopicKnowledgePatch  = "knowledge/patch"
	TopicKnowledgeUpdate = "knowledge/update"

	// Environment: actuation commands in, full snapshots out.
	TopicEnvMove        = "environment/move_robot"
	TopicEnvLoad        = "environment/load_order"
	TopicEnvDeliver     = "environment/deliver_order"
	TopicEnvClearOrders = "environment/clear_orders"
	TopicEnvUpdate      = "environment/update"
)
