package engine

import (
	"context"
	"io"
	"slices"

	"inferd/pkg/types"
)

// Service exposes a Scheduler in terms of the HTTP API types.
type Service struct {
	sched  *Scheduler
	models []types.Model
}

// NewService wraps s. models lists every known manifest; the one served by
// s is marked loaded.
func NewService(s *Scheduler, models []types.Model) *Service {
	id := s.pipe.Model().ID()
	ms := slices.Clone(models)
	found := false
	for i := range ms {
		ms[i].Loaded = ms[i].ID == id
		found = found || ms[i].Loaded
	}
	if !found {
		ms = append(ms, types.Model{
			ID:            id,
			Name:          id,
			Family:        s.pipe.Model().Family(),
			Variant:       s.pipe.Variant().String(),
			ContextWindow: s.pipe.Model().ContextWindow(),
			Loaded:        true,
		})
	}
	return &Service{sched: s, models: ms}
}

func (v *Service) ListModels() []types.Model    { return slices.Clone(v.models) }
func (v *Service) Status() types.StatusResponse { return v.sched.Status() }
func (v *Service) Ready() bool                  { return v.sched.Ready() }

// Infer converts in and runs it, writing the API response to w.
func (v *Service) Infer(ctx context.Context, in types.GenerateRequest, w io.Writer, flush func()) error {
	req, err := v.sched.NewRequest(in)
	if err != nil {
		return err
	}
	return v.sched.Infer(ctx, req, w, flush)
}

// Cancel cancels the request submitted with the given id.
func (v *Service) Cancel(id string) error { return v.sched.CancelTag(id) }
