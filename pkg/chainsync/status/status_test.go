package status_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/filecoin-project/venus-core/pkg/chainsync/status"
	syncTypes "github.com/filecoin-project/venus-core/pkg/chainsync/types"
	"github.com/filecoin-project/venus-core/pkg/testhelpers"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestStatus(t *testing.T) {
	tf.UnitTest(t)

	sr := status.NewReporter()
	assert.Equal(t, *status.NewDefaultChainStatus(), sr.Status())
	assert.Equal(t, status.NewDefaultChainStatus().String(), sr.Status().String())

	builder := testhelpers.NewBuilder(t)
	t2 := builder.AppendOn(builder.Genesis(), 1)
	t3 := builder.AppendOn(t2, 1)

	expStatus := status.Status{
		SyncingHead:          t2,
		SyncingStarted:       123,
		SyncingComplete:      false,
		SyncingFetchComplete: true,
		FetchingHead:         t3,
		ValidatingHead:       t2,
		ValidatingStage:      syncTypes.StateValidated,
	}
	sr.UpdateStatus(status.SyncingStarted(123), status.SyncHead(t2),
		status.SyncComplete(false), status.SyncFetchComplete(true),
		status.FetchHead(t3), status.Validating(t2, syncTypes.StateValidated))
	assert.Equal(t, expStatus, sr.Status())
	assert.Contains(t, sr.Status().String(), "validatingStage=state validated")
}
