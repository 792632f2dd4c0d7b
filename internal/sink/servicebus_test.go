package sink

import (
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/types"
)

func TestNewServiceBusMessage(t *testing.T) {
	env := types.NewOutputEnvelope("https://www.wikidata.org", sampleBatch())

	msg, err := newServiceBusMessage(env, env.Changes[0])
	require.NoError(t, err)
	require.NotNil(t, msg.MessageID)
	assert.Equal(t, "Q1@7", *msg.MessageID)
	assert.Equal(t, "update", *msg.Subject)
	assert.Equal(t, "application/json", *msg.ContentType)
	assert.Equal(t, "wikidata", msg.ApplicationProperties["stream"])
	assert.Contains(t, string(msg.Body), `"change_type":"update"`)

	tomb, err := newServiceBusMessage(env, env.Changes[1])
	require.NoError(t, err)
	assert.Equal(t, "Q2@6", *tomb.MessageID)
	assert.Equal(t, "delete", *tomb.Subject)
}

func TestClassifyServiceBusError(t *testing.T) {
	lost := classifyServiceBusError(&azservicebus.Error{Code: azservicebus.CodeConnectionLost})
	assert.True(t, icdc.IsRetryable(lost))

	denied := classifyServiceBusError(&azservicebus.Error{Code: azservicebus.CodeUnauthorizedAccess})
	assert.True(t, icdc.IsFatal(denied))

	other := errors.New("boom")
	assert.Equal(t, other, classifyServiceBusError(other))
}
