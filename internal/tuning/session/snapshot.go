package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/pipetune/pipetune/internal/tuning"
	"github.com/pipetune/pipetune/internal/tuning/acquisition"
	"github.com/pipetune/pipetune/internal/tuning/space"
)

// Snapshot is the serializable image of a session between rounds. It
// carries everything needed to resume: the space definition, the full
// observation log and the loop counters. The surrogate is not persisted;
// it is a pure function of the log and is refit on the next Submit.
type Snapshot struct {
	ID     string                 `json:"id"`
	Specs  []space.ParameterSpec  `json:"specs"`
	Design []tuning.Configuration `json:"design"`

	Observations []tuning.Observation `json:"observations"`
	Iteration    int                  `json:"iteration"`
	State        State                `json:"state"`
	Pending      tuning.Configuration `json:"pending,omitempty"`

	NoSignalRetries int `json:"no_signal_retries"`
	FlatRounds      int `json:"flat_rounds"`
	BestIndex       int `json:"best_index"`

	SavedAt time.Time `json:"saved_at"`
}

// Snapshot captures the current session state. Call between rounds; a
// snapshot taken mid-Submit does not exist because Submit is atomic from
// the caller's point of view.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:              s.id,
		Specs:           s.space.Specs(),
		Design:          make([]tuning.Configuration, len(s.design)),
		Observations:    s.Observations(),
		Iteration:       s.iteration,
		State:           s.state,
		NoSignalRetries: s.retries,
		FlatRounds:      s.flatRounds,
		BestIndex:       s.bestIndex,
		SavedAt:         time.Now().UTC(),
	}
	for i, cfg := range s.design {
		snap.Design[i] = cfg.Clone()
	}
	if s.pending != nil {
		snap.Pending = s.pending.Clone()
	}
	return snap
}

// Restore rebuilds a session from a snapshot. The restored session picks
// up in its saved state with the saved pending configuration; terminal
// sessions restore as read-only records of their run.
func Restore(snap Snapshot, cfg Config, logger *zap.Logger, opts ...Option) (*Session, error) {
	const op = "session.Restore"

	sp, err := space.New(snap.Specs)
	if err != nil {
		return nil, tuning.WrapError(err, "snapshot has an invalid parameter space").WithOperation(op)
	}

	s, err := New(snap.ID, sp, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}

	s.design = make([]tuning.Configuration, len(snap.Design))
	for i, c := range snap.Design {
		s.design[i] = c.Clone()
	}
	s.proposer = acquisition.New(s.cfg.Acquisition, s.design, s.rng, s.logger)

	s.observations = make([]tuning.Observation, len(snap.Observations))
	copy(s.observations, snap.Observations)
	s.iteration = snap.Iteration
	s.retries = snap.NoSignalRetries
	s.flatRounds = snap.FlatRounds
	s.bestIndex = snap.BestIndex
	s.state = snap.State

	if snap.Pending != nil && !snap.State.Terminal() {
		if err := s.setPending(snap.Pending.Clone()); err != nil {
			return nil, tuning.WrapError(err, "snapshot pending configuration out of domain").WithOperation(op)
		}
		s.state = StateAwaiting
	} else if !snap.State.Terminal() {
		// No pending configuration survived; re-propose from the log.
		if len(s.observations) == 0 {
			s.state = StateInitializing
		} else if err := s.advance(); err != nil {
			return nil, err
		}
	}

	s.logger.Info("session restored",
		zap.Int("observations", len(s.observations)),
		zap.String("state", string(s.state)),
	)
	return s, nil
}
