package smr

import "github.com/cryptape/overlord/consensus"

// filterResult is the outcome of filterMsg.
type filterResult uint8

const (
	filterProceed filterResult = iota
	filterDebugOld
	filterDebugHigh
	filterNetMuchHigh
)

// aheadWindow bounds how far ahead of its own stage the driver will
// tolerate buffering a message before treating it as noise.
const aheadWindow = 5

// filterMsg triages an inbound message by height/round against the
// driver's current stage, deciding whether to process it now, buffer it
// for later, or drop it as noise. isProposal exempts SignedProposal from
// the same-height/lower-round debug_old rule, since an old-round
// proposal is still inspected for the PoLC it may carry.
func (d *Driver) filterMsg(height consensus.Height, round consensus.Round, isProposal bool) filterResult {
	self := d.state.Stage()

	if height < self.Height {
		return filterDebugOld
	}
	if height == self.Height && round < self.Round && !isProposal {
		return filterDebugOld
	}
	if height > self.Height+aheadWindow || round > self.Round+aheadWindow {
		return filterNetMuchHigh
	}
	if height > self.Height {
		return filterDebugHigh
	}
	return filterProceed
}
