package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleet-hos-engine/config"
	"fleet-hos-engine/internal/api"
	"fleet-hos-engine/internal/conflict"
	"fleet-hos-engine/internal/connectivity"
	"fleet-hos-engine/internal/db"
	"fleet-hos-engine/internal/dutystate"
	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/hos"
	"fleet-hos-engine/internal/model"
	"fleet-hos-engine/internal/notify"
	"fleet-hos-engine/internal/syncq"
)

// mockBackend stands in for the fleet server: it acknowledges every batch
// and reports no conflicts.
type mockBackend struct {
	mu      sync.Mutex
	batches [][]model.PayloadKind
}

func (b *mockBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/batches" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("[]"))
			return
		}

		var batch syncq.Batch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		kinds := make([]model.PayloadKind, len(batch.Items))
		ack := syncq.BatchAck{}
		for i, item := range batch.Items {
			kinds[i] = item.Kind
			ack.Acks = append(ack.Acks, syncq.ItemAck{ItemID: item.ItemID, Checksum: item.Checksum})
		}
		b.mu.Lock()
		b.batches = append(b.batches, kinds)
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ack)
	}
}

func (b *mockBackend) received() [][]model.PayloadKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]model.PayloadKind, len(b.batches))
	copy(out, b.batches)
	return out
}

// TestShiftLifecycleSyncsInPriorityOrder walks a driver through a shift:
// clock in, go on duty, start driving, report an incident, and verifies
// that the queue drains to the backend critical-first while the local HOS
// window stays queryable over the HTTP surface.
func TestShiftLifecycleSyncsInPriorityOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)

	testDB, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, _ := testDB.DB()
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(testDB))

	backend := &mockBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Sync.Endpoint = server.URL

	store := eventlog.NewGormStore(testDB)
	profile, err := hos.ProfileByName("us_property_70h8d")
	require.NoError(t, err)

	sink := notify.LogSink{}
	registry := dutystate.NewRegistry(store, profile, "America/Chicago", sink, dutystate.Config{
		SpeedThresholdMPH: cfg.Telemetry.SpeedThresholdMPH,
		Debounce:          cfg.Telemetry.DebounceWindow,
		MinConfidence:     cfg.Telemetry.MinConfidence,
	})

	monitor := connectivity.NewMonitor(&cfg.Connectivity)
	transport := syncq.NewHTTPTransport(&cfg.Sync)
	manager := syncq.NewManager(testDB, store, transport, monitor, sink, &cfg.Sync)
	resolver := conflict.NewResolver(testDB, transport, manager, monitor, sink, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Shift activity, all while the device is still offline ---

	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Second)

	_, err = registry.ClockIn(ctx, "drv-1", "veh-9", base)
	require.NoError(t, err)

	machine, err := registry.Machine(ctx, "drv-1", "veh-9")
	require.NoError(t, err)

	require.NoError(t, machine.RequestTransition(ctx, model.StatusOnDutyNotDriving, model.CauseManual, "pre-trip inspection", base))
	require.NoError(t, machine.RequestTransition(ctx, model.StatusDriving, model.CauseManual, "", base.Add(30*time.Minute)))

	incident, err := syncq.NewItem("drv-1", model.KindIncident, "incident-77", base.Add(time.Hour),
		[]byte(`{"kind":"near_miss","location":"I-80 mm 142"}`))
	require.NoError(t, err)
	require.NoError(t, manager.Enqueue(ctx, incident))

	rollup, err := syncq.NewItem("drv-1", model.KindTelemetryRollup, "rollup-3", base.Add(time.Hour),
		[]byte(`{"avg_speed_mph":52.4,"samples":3600}`))
	require.NoError(t, err)
	require.NoError(t, manager.Enqueue(ctx, rollup))

	// --- Connectivity returns; the queue drains critical-first ---

	monitor.Set(connectivity.OnlineGood)
	go manager.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var pending int64
		testDB.Model(&model.SyncQueueItem{}).
			Where("state <> ?", model.ItemAcknowledged).
			Count(&pending)
		if pending == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	var acked int64
	testDB.Model(&model.SyncQueueItem{}).
		Where("state = ?", model.ItemAcknowledged).
		Count(&acked)
	assert.Equal(t, int64(4), acked, "two duty events, the incident and the rollup all acknowledged")

	batches := backend.received()
	require.NotEmpty(t, batches)
	assert.Equal(t, []model.PayloadKind{model.KindIncident}, batches[0],
		"critical incident ships first and alone")

	var flattened []model.PayloadKind
	for _, kinds := range batches[1:] {
		flattened = append(flattened, kinds...)
	}
	assert.Equal(t, []model.PayloadKind{
		model.KindDutyStatus, model.KindDutyStatus, model.KindTelemetryRollup,
	}, flattened, "duty-status events outrank the telemetry rollup")

	// --- The local HTTP surface answers from the same state ---

	router := api.NewRouter(&cfg.Server, registry, store, manager, resolver, nil)

	at := base.Add(2 * time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/drivers/drv-1/hos?at="+at.Format(time.RFC3339), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var window struct {
		Status              string `json:"status"`
		DriveSinceBreakSecs int64  `json:"driveSinceBreakSecs"`
		RemainingDriveSecs  int64  `json:"remainingDriveSecs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &window))
	assert.Equal(t, "DRIVING", window.Status)
	assert.Equal(t, int64(90*60), window.DriveSinceBreakSecs, "ninety minutes behind the wheel")
	assert.Equal(t, int64(8*3600-90*60), window.RemainingDriveSecs, "the break sub-window binds first")

	req = httptest.NewRequest(http.MethodGet, "/api/drivers/drv-1/queue", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
