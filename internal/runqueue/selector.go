package runqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

type Mode string

const (
	ModeOff     Mode = "off"
	ModeOrgFlag Mode = "org-flag"
	ModeAll     Mode = "all"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModeOrgFlag, ModeAll:
		return Mode(s), nil
	case "":
		return ModeOrgFlag, nil
	}
	return "", fmt.Errorf("unknown run queue mode %q", s)
}

// Selector 投递时按组织特性开关选择后端，撤销时两个后端都处理
type Selector struct {
	mode   Mode
	legacy RunQueue
	keyed  RunQueue
}

func NewSelector(mode Mode, legacy, keyed RunQueue) *Selector {
	return &Selector{mode: mode, legacy: legacy, keyed: keyed}
}

func (s *Selector) pick(req EnqueueRequest) RunQueue {
	switch s.mode {
	case ModeAll:
		return s.keyed
	case ModeOrgFlag:
		if req.Organization.V2MarqsEnabled {
			return s.keyed
		}
	}
	return s.legacy
}

func (s *Selector) EnqueueRun(ctx context.Context, req EnqueueRequest) error {
	return s.pick(req).EnqueueRun(ctx, req)
}

func (s *Selector) DequeueRun(ctx context.Context, runID uuid.UUID) error {
	return multierr.Append(
		s.keyed.DequeueRun(ctx, runID),
		s.legacy.DequeueRun(ctx, runID),
	)
}
