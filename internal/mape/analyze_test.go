package mape

import (
	"testing"

	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/grid"
)

func TestDecideRuleTable(t *testing.T) {
	cases := []struct {
		name string
		f    protocol.FactRecord
		want protocol.Decision
	}{
		{
			name: "uninitialized is neutral",
			f:    protocol.FactRecord{},
			want: protocol.DecisionNoAction,
		},
		{
			name: "collecting below capacity waits",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionCollecting,
				Capacity: 3, TimeoutSec: 30, PendingCount: 2, ElapsedSincePending: 5,
			},
			want: protocol.DecisionNoAction,
		},
		{
			name: "capacity reached starts mission",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionCollecting,
				Capacity: 3, TimeoutSec: 30, PendingCount: 3,
			},
			want: protocol.DecisionStartMission,
		},
		{
			name: "timeout starts mission",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionCollecting,
				Capacity: 3, TimeoutSec: 30, PendingCount: 1, ElapsedSincePending: 30,
			},
			want: protocol.DecisionStartMission,
		},
		{
			name: "pending pile-up while active does not start",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionActive,
				Capacity: 3, PendingCount: 5, LoadedCount: 2,
			},
			want: protocol.DecisionNoAction,
		},
		{
			name: "blocked path replans",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionActive,
				LoadedCount: 1, PathBlocked: true,
			},
			want: protocol.DecisionReplan,
		},
		{
			name: "any obstacle change replans",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionReturning,
				ObstaclesRemoved: []grid.Coord{{X: 3, Y: 3}},
			},
			want: protocol.DecisionReplan,
		},
		{
			name: "obstacle change while collecting is ignored",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionCollecting,
				Capacity: 3, TimeoutSec: 30, PendingCount: 1,
				ObstaclesAdded: []grid.Coord{{X: 3, Y: 3}},
			},
			want: protocol.DecisionNoAction,
		},
		{
			name: "zero timeout disables the timer rule",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionCollecting,
				Capacity: 3, PendingCount: 1,
			},
			want: protocol.DecisionNoAction,
		},
		{
			name: "replan beats stuck entry",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionActive,
				LoadedCount: 1, PathBlocked: true, RobotStuck: true,
			},
			want: protocol.DecisionReplan,
		},
		{
			name: "stuck with viable route resumes",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionStuck,
				LoadedCount: 1, RouteViable: true,
			},
			want: protocol.DecisionResume,
		},
		{
			name: "stuck without route waits",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionStuck,
				LoadedCount: 1,
			},
			want: protocol.DecisionNoAction,
		},
		{
			name: "all delivered begins return",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionActive,
				LoadedCount: 0, PlanDone: true,
			},
			want: protocol.DecisionBeginReturn,
		},
		{
			name: "back at base completes",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionReturning,
				AtBase: true, PlanDone: true,
			},
			want: protocol.DecisionCompleteMission,
		},
		{
			name: "returning mid route continues",
			f: protocol.FactRecord{
				Initialized: true, MissionState: protocol.MissionReturning,
			},
			want: protocol.DecisionNoAction,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := decide(tc.f)
			if got != tc.want {
				t.Fatalf("decide = %s, want %s", got, tc.want)
			}
		})
	}
}
