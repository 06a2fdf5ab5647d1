// Package fsm implements the firmware update workflow: fetch the release
// archive, wait for the bootloader, locate the matching image and program
// it, using the superfly/fsm library.
package fsm

import (
	"context"

	"github.com/superfly/fsm"

	"github.com/scsi2sd/scsi2sd-util/pkg/errors"
)

// Register registers the firmware update FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[UpdateRequest, UpdateResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[UpdateRequest, UpdateResponse](manager, "firmware-update").
		Start(StateFetch, m.handler(StateFetch, (*Machine).fetch)).
		To(StateAwaitBootloader, m.handler(StateAwaitBootloader, (*Machine).awaitBootloader)).
		To(StateLocate, m.handler(StateLocate, (*Machine).locate)).
		To(StateProgram, m.handler(StateProgram, (*Machine).program)).
		To(StateComplete, m.handler(StateComplete, (*Machine).complete)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Run executes the steps in order without the persistent manager, for
// callers that do not need a resumable run.
func (m *Machine) Run(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error) {
	resp := &UpdateResponse{}
	for _, s := range []step{(*Machine).fetch, (*Machine).awaitBootloader, (*Machine).locate, (*Machine).program, (*Machine).complete} {
		if err := s(m, ctx, req, resp); err != nil {
			if resp.Status == "" {
				m.finish(req, resp, failedResult(resp, err))
			}
			return resp, err
		}
	}
	return resp, nil
}
