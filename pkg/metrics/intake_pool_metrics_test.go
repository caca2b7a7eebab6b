package metrics

import (
	"testing"
	"time"
)

func TestAssessDBPoolHealth(t *testing.T) {
	tests := []struct {
		name     string
		stats    DBPoolStats
		expected PoolHealthStatus
	}{
		{"unlimited", DBPoolStats{InUse: 40}, PoolHealthy},
		{"idle", DBPoolStats{InUse: 2, MaxOpenConnections: 25}, PoolHealthy},
		{"busy", DBPoolStats{InUse: 21, MaxOpenConnections: 25}, PoolDegraded},
		{"exhausted", DBPoolStats{InUse: 25, MaxOpenConnections: 25}, PoolUnhealthy},
		{"slow waits", DBPoolStats{InUse: 1, MaxOpenConnections: 25, WaitCount: 3, WaitDuration: 6 * time.Second}, PoolDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssessDBPoolHealth(tt.stats); got.Status != tt.expected {
				t.Errorf("status = %s, want %s", got.Status, tt.expected)
			}
		})
	}
}

func TestGetDBPoolStatsNil(t *testing.T) {
	if got := GetDBPoolStats(nil); got != (DBPoolStats{}) {
		t.Errorf("stats = %+v", got)
	}
}
