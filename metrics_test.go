package chatsync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ConversationFetch.WithLabelValues("ok").Inc()
	m.UnreadTotal.Set(4)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["chatsync_conversation_fetches_total"])
	assert.True(t, names["chatsync_unread_messages"])
	assert.Equal(t, float64(4), testutil.ToFloat64(m.UnreadTotal))
}

func TestNewMetricsUnregistered(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)
	a.MessagesSent.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.MessagesSent))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.MessagesSent))
}
