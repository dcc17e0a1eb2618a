package dashboard

import (
	"github.com/cloud-shuttle/klauss/pkg/types"
)

// StatsView is the overall queue-depth snapshot returned by /api/stats.
type StatsView struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Claimed     int     `json:"claimed"`
	InProgress  int     `json:"in_progress"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	ProgressPct float64 `json:"progress_pct"`
}

// getStats summarizes queue depth across all jobs.
func (s *Server) getStats() (*StatsView, error) {
	stats, err := s.store.Stats()
	if err != nil {
		return nil, err
	}
	view := &StatsView{
		Pending:    stats.Pending,
		Claimed:    stats.Claimed,
		InProgress: stats.InProgress,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
	}
	view.Total = view.Pending + view.Claimed + view.InProgress + view.Completed + view.Failed
	if view.Total > 0 {
		view.ProgressPct = 100 * float64(view.Completed) / float64(view.Total)
	}
	return view, nil
}

// getTasks lists tasks, optionally filtered by status.
func (s *Server) getTasks(status string) ([]*types.Task, error) {
	if status == "" {
		var all []*types.Task
		for _, st := range []types.TaskStatus{
			types.TaskStatusPending, types.TaskStatusClaimed,
			types.TaskStatusInProgress, types.TaskStatusCompleted, types.TaskStatusFailed,
		} {
			tasks, err := s.store.ListByStatus(st)
			if err != nil {
				return nil, err
			}
			all = append(all, tasks...)
		}
		return all, nil
	}
	return s.store.ListByStatus(types.TaskStatus(status))
}

// getTask retrieves a single task by id.
func (s *Server) getTask(id int64) (*types.Task, error) {
	return s.store.GetTask(id)
}

// getWorkers lists every known worker row.
func (s *Server) getWorkers() ([]*types.Worker, error) {
	return s.store.ListWorkers()
}
