package controller

import (
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name the scheduler reports under.
const HealthService = "alertqueue.Scheduler"

// ItemStatus describes the item at the front of the global queue.
type ItemStatus struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	GraceID     string    `json:"graceid,omitempty"`
	Expiration  time.Time `json:"expiration"`
	Complete    bool      `json:"complete"`
}

// Status is a read-only copy of the loop state, safe to read from any
// goroutine. Each iteration publishes a fresh value.
type Status struct {
	ProcessType   string         `json:"process_type"`
	Running       bool           `json:"running"`
	StartedAt     time.Time      `json:"started_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Iterations    uint64         `json:"iterations"`
	Received      uint64         `json:"received"`
	Executed      uint64         `json:"executed"`
	Failures      uint64         `json:"failures"`
	QueueLength   int            `json:"queue_length"`
	CompleteCount int            `json:"complete_count"`
	GraceIDs      map[string]int `json:"graceids"`
	Front         *ItemStatus    `json:"front,omitempty"`
	WarnCount     int            `json:"warn_count"`
	NextWarn      time.Time      `json:"next_warn"`
}

// Status 回傳最近一次發布的狀態
func (s *Scheduler) Status() Status {
	if st := s.status.Load(); st != nil {
		return *st
	}
	return Status{}
}

// publish 建立新的狀態快照（copy-on-write），並更新指標
func (s *Scheduler) publish() {
	st := &Status{
		ProcessType:   s.parser.Name,
		Running:       s.running.Load(),
		StartedAt:     s.startedAt,
		UpdatedAt:     s.clock(),
		Iterations:    s.counters.iterations,
		Received:      s.counters.received,
		Executed:      s.counters.executed,
		Failures:      s.counters.failures,
		QueueLength:   s.idx.Len(),
		CompleteCount: s.idx.Queue.CompleteCount(),
		GraceIDs:      make(map[string]int, len(s.idx.ByGraceID)),
		WarnCount:     s.warnCount,
		NextWarn:      s.warnTime,
	}
	for gid, q := range s.idx.ByGraceID {
		st.GraceIDs[gid] = q.Len()
	}
	if front := s.idx.Queue.Front(); front != nil {
		st.Front = &ItemStatus{
			Name:        front.Name,
			Description: front.Description,
			GraceID:     front.GraceID,
			Expiration:  front.Expiration(),
			Complete:    front.Complete(),
		}
	}
	s.status.Store(st)

	if s.metrics != nil {
		s.metrics.UpdateQueueStats(st.QueueLength, st.CompleteCount, len(st.GraceIDs), st.WarnCount)
	}
}

// setServing 更新 gRPC health 狀態
func (s *Scheduler) setServing(serving bool) {
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
	s.health.SetServingStatus("", status)
}
