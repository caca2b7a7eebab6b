package bootstrap

import (
	"intake_server/adapter/in/worker"
)

// NewScheduler returns the periodic ingestion loop, or nil when it is
// disabled by configuration.
func NewScheduler(deps *Dependencies) *worker.Scheduler {
	if !deps.Config.SchedulerEnabled {
		return nil
	}
	return worker.NewScheduler(deps.AccountService, deps.Config.SchedulerInterval, deps.Config.SchedulerAccountTimeout)
}
