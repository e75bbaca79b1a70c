package metricsexport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct{}

func (fakeSource) PoolSnapshot() []PoolStats {
	return []PoolStats{{ServerID: "srv-1", Status: "warning", Backoff: 4}}
}

func (fakeSource) SchedulerSnapshot() []SchedulerStats {
	return []SchedulerStats{{ServerID: "srv-1", State: "running", ConsecutiveFail: 0}}
}

func (fakeSource) StoreSnapshot() StoreStats {
	return StoreStats{Degraded: true, Pending: 12}
}

func (fakeSource) PushSnapshot() PushStats {
	return PushStats{ActiveConnections: 3}
}

func TestHandlerEmitsExpositionText(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := New(fakeSource{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/metrics", nil)

	e.Handler(c)

	body := rec.Body.String()
	assert.Contains(t, body, "cwatcher_server_status")
	assert.Contains(t, body, `server_id="srv-1"`)
	assert.Contains(t, body, "cwatcher_store_sink_degraded 1")
	assert.Contains(t, body, "cwatcher_push_active_connections 3")
}
