package engine

import (
	"time"

	"github.com/dustin/go-humanize"

	"inferd/pkg/types"
)

// Ready reports whether the loop is running and accepting work.
func (s *Scheduler) Ready() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.running.Load() && !s.closed
}

// LiveCount is the number of sequences holding a cache block.
func (s *Scheduler) LiveCount() int { return int(s.live.Load()) }

// QueueLen is the number of admitted requests not yet holding cache.
func (s *Scheduler) QueueLen() int { return len(s.queueCh) }

func (s *Scheduler) state() string {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	switch {
	case s.closed:
		return "stopped"
	case s.running.Load():
		return "ready"
	}
	return "starting"
}

// Status builds a detailed status response for /status.
func (s *Scheduler) Status() types.StatusResponse {
	st := s.cache.Stats()
	model := s.pipe.Model()
	resp := types.StatusResponse{
		ModelID:       model.ID(),
		Variant:       s.pipe.Variant().String(),
		State:         s.state(),
		QueueLen:      s.QueueLen(),
		MaxQueueDepth: cap(s.queueCh),
		Live:          s.LiveCount(),
		MaxBatchSize:  s.cfg.MaxBatchSize,
		CachePolicy:   string(s.cfg.CachePolicy),
		Cache: types.CacheStatus{
			PoolRows:     st.PoolRows,
			ReservedRows: st.ReservedRows,
			UsedRows:     st.UsedRows,
			Blocks:       st.Blocks,
			Reserved:     humanize.Bytes(uint64(st.ReservedRows) * uint64(s.cache.RowWidth()) * 4),
		},
		Completed:       s.completed.Load(),
		Cancelled:       s.cancelled.Load(),
		Failed:          s.failed.Load(),
		TokensGenerated: s.tokensOut.Load(),
		Ticks:           s.ticks.Load(),
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
		ServerTimeUnix:  time.Now().Unix(),
	}
	if s.spec.Enabled() {
		stats := s.spec.Stats()
		resp.Speculative = types.SpeculativeStatus{
			Enabled:  true,
			Draft:    s.cfg.Draft.Model().ID(),
			Gamma:    s.spec.Gamma(),
			Proposed: stats.Proposed,
			Accepted: stats.Accepted,
		}
	}
	return resp
}
