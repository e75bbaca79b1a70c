package push

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/cwatcher/internal/model"
)

func TestSubscriptionWildcardReceivesEverySample(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{All: true})

	var evicted []string
	b := NewBroadcaster(idx, nil, func(id string, _ EvictionReason) { evicted = append(evicted, id) })

	b.PublishSample(model.MetricsSample{ServerID: "srv-1", Seq: 1})

	select {
	case frame := <-conn.SendChan():
		assert.Contains(t, string(frame), `"server_id":"srv-1"`)
	default:
		t.Fatal("expected a frame to be enqueued for the wildcard subscriber")
	}
	assert.Empty(t, evicted)
}

func TestSubscriptionScopedToServerIDs(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{ServerIDs: map[string]bool{"srv-1": true}})

	b := NewBroadcaster(idx, nil, nil)
	b.PublishSample(model.MetricsSample{ServerID: "srv-2", Seq: 1})

	select {
	case <-conn.SendChan():
		t.Fatal("connection subscribed only to srv-1 should not receive srv-2's sample")
	default:
	}

	b.PublishSample(model.MetricsSample{ServerID: "srv-1", Seq: 2})
	select {
	case <-conn.SendChan():
	default:
		t.Fatal("connection should have received srv-1's sample")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{All: true})
	idx.Unsubscribe(conn.ID, nil)

	b := NewBroadcaster(idx, nil, nil)
	b.PublishSample(model.MetricsSample{ServerID: "srv-1"})

	select {
	case <-conn.SendChan():
		t.Fatal("unsubscribed connection should not receive frames")
	default:
	}
}

func TestUnsubscribeListRemovesOnlyListedServers(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{ServerIDs: map[string]bool{"srv-1": true, "srv-2": true}})

	idx.Unsubscribe(conn.ID, []string{"srv-1"})

	assert.Empty(t, idx.TargetsFor("srv-1", ""), "srv-1 should have been dropped")
	assert.Len(t, idx.TargetsFor("srv-2", ""), 1, "srv-2 interest should survive a partial unsubscribe")
}

func TestStatusChangeReachesSubscriber(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{ServerIDs: map[string]bool{"srv-1": true}})

	b := NewBroadcaster(idx, nil, nil)
	b.PublishStatusChange(model.StatusChangeEvent{ServerID: "srv-1", Prior: model.StatusOnline, New: model.StatusWarning, At: time.Now()})

	select {
	case frame := <-conn.SendChan():
		assert.Contains(t, string(frame), `"type":"status_change"`)
	default:
		t.Fatal("expected a status_change frame")
	}
}

func TestSlowConsumerTriggersEvictionAfterCeiling(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 1) // queue of 1, fills immediately
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{All: true})

	var evictedID string
	var evictedCount int
	b := NewBroadcaster(idx, nil, func(id string, reason EvictionReason) {
		evictedCount++
		evictedID = id
		assert.Equal(t, EvictSlowConsumer, reason)
	})

	// First publish fills the queue; every publish after that is a drop.
	for i := 0; i < dropCeiling+3; i++ {
		b.PublishSample(model.MetricsSample{ServerID: "srv-1", Seq: uint64(i)})
	}

	require.GreaterOrEqual(t, evictedCount, 1)
	assert.Equal(t, conn.ID, evictedID)
}

func TestRemoveDropsConnectionFromIndex(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{All: true})

	assert.Equal(t, 1, idx.Count())
	idx.Remove(conn.ID)
	assert.Equal(t, 0, idx.Count())

	b := NewBroadcaster(idx, nil, nil)
	b.PublishSample(model.MetricsSample{ServerID: "srv-1"})
	select {
	case <-conn.SendChan():
		t.Fatal("removed connection should not be targeted")
	default:
	}
}

func TestResubscribeReplacesPriorInterest(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{ServerIDs: map[string]bool{"srv-1": true}})
	idx.Subscribe(conn.ID, Subscription{ServerIDs: map[string]bool{"srv-2": true}})

	targets := idx.TargetsFor("srv-1", "")
	assert.Empty(t, targets, "subscribing to srv-2 should have dropped the srv-1 interest")

	targets = idx.TargetsFor("srv-2", "")
	require.Len(t, targets, 1)
	assert.Equal(t, conn.ID, targets[0].Conn.ID)
}

func TestMinStatusFiltersBelowFloor(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{All: true, MinStatus: model.StatusWarning})

	b := NewBroadcaster(idx, nil, nil)
	b.PublishSample(model.MetricsSample{ServerID: "srv-1", Status: model.StatusOnline})

	select {
	case <-conn.SendChan():
		t.Fatal("a sample below the min_status floor should not be delivered")
	default:
	}

	b.PublishSample(model.MetricsSample{ServerID: "srv-1", Status: model.StatusCritical})
	select {
	case <-conn.SendChan():
	default:
		t.Fatal("a sample at or above the min_status floor should be delivered")
	}
}

func TestMetricFilterTrimsUnsubscribedRecords(t *testing.T) {
	idx := NewIndex()
	conn := NewConnection("c1", "1.2.3.4", 8)
	idx.Add(conn)
	idx.Subscribe(conn.ID, Subscription{All: true, MetricKinds: map[string]bool{"cpu": true}})

	b := NewBroadcaster(idx, nil, nil)
	b.PublishSample(model.MetricsSample{
		ServerID: "srv-1",
		CPU:      model.CPURecord{UsagePercent: 42},
		Memory:   model.MemoryRecord{UsagePercent: 77},
	})

	var frame []byte
	select {
	case frame = <-conn.SendChan():
	default:
		t.Fatal("expected a sample frame")
	}

	var env wireEnvelope
	require.NoError(t, json.Unmarshal(frame, &env))
	require.NotNil(t, env.Sample)
	assert.Equal(t, 42.0, env.Sample.CPU.UsagePercent, "subscribed metric should pass through")
	assert.True(t, env.Sample.Memory.Missing, "unsubscribed metric should be marked missing")
}

func TestHeartbeatTimeoutAfterTwoMissedPings(t *testing.T) {
	conn := NewConnection("c1", "1.2.3.4", 8)

	assert.False(t, conn.NotePingSent(), "first missed heartbeat should not yet time out")
	assert.True(t, conn.NotePingSent(), "second consecutive missed heartbeat should time out")
}

func TestHeartbeatResetsOnActivity(t *testing.T) {
	conn := NewConnection("c1", "1.2.3.4", 8)

	assert.False(t, conn.NotePingSent())
	conn.MarkPong()
	assert.False(t, conn.NotePingSent(), "activity since the last ping should reset the miss counter")
}
