package spawner

import (
	"context"
	"errors"
	"fmt"

	"github.com/holon-run/restspawner/pkg/controller"
)

// PollState is the liveness of a lab as the host understands it.
type PollState int

const (
	// StillRunning means the lab exists and has not failed.
	StillRunning PollState = iota
	// ExitedClean means there is no lab.
	ExitedClean
	// ExitedFailed means the lab exists but the controller reports it failed.
	ExitedFailed
)

func (p PollState) String() string {
	switch p {
	case StillRunning:
		return "running"
	case ExitedClean:
		return "exited-clean"
	case ExitedFailed:
		return "exited-failed"
	default:
		return fmt.Sprintf("PollState(%d)", int(p))
	}
}

// ExitCode returns the host exit code, or false while the lab is running.
func (p PollState) ExitCode() (int, bool) {
	switch p {
	case ExitedClean:
		return 0, true
	case ExitedFailed:
		return 1, true
	default:
		return 0, false
	}
}

// Poll asks the controller whether the lab is alive. Failures to reach the
// controller are returned along with StillRunning so a caller that ignores
// the error never tears down a healthy lab.
func (s *Spawner) Poll(ctx context.Context) (PollState, error) {
	lab, err := s.client.GetLab(ctx, s.user.Name)
	if errors.Is(err, controller.ErrLabNotFound) {
		return ExitedClean, nil
	}
	if err != nil {
		return StillRunning, fmt.Errorf("failed to poll lab for %s: %w", s.user.Name, err)
	}
	if !lab.Status.Alive() {
		s.log.Infow("lab reported failed", "status", lab.Status)
		return ExitedFailed, nil
	}
	return StillRunning, nil
}
