package queue

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func TestRetryDelaysAreExponentialFromBase(t *testing.T) {
	delays := retryDelays()
	require.Len(t, delays, MaxAttempts)
	require.Equal(t, 2000*time.Millisecond, delays[0])
	require.Equal(t, 4000*time.Millisecond, delays[1])
	require.Equal(t, 8000*time.Millisecond, delays[2])
	require.Equal(t, 16000*time.Millisecond, delays[3])
	require.Equal(t, 32000*time.Millisecond, delays[4])
}

func TestRetryRoutingKeyEncodesDelayInMilliseconds(t *testing.T) {
	require.Equal(t, "retry.4000ms", retryRoutingKey(4*time.Second))
}

func TestAttemptFromHeadersDefaultsToOneWithNoDeaths(t *testing.T) {
	require.Equal(t, 1, attemptFromHeaders(amqp.Table{}))
	require.Equal(t, 1, attemptFromHeaders(nil))
}

func TestAttemptFromHeadersCountsXDeathEntriesPlusOne(t *testing.T) {
	headers := amqp.Table{
		"x-death": []interface{}{
			map[string]interface{}{"queue": "report.jobs.retry.2000ms.queue"},
			map[string]interface{}{"queue": "report.jobs.retry.4000ms.queue"},
		},
	}
	require.Equal(t, 3, attemptFromHeaders(headers))
}
