package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/model"
)

func setupSubscriptionRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, _ := testDB.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, testDB.AutoMigrate(&model.AlertSubscription{}))

	handler := NewHandler(nil, eventlog.NewGormStore(testDB), nil, nil, nil)
	r := gin.New()
	r.GET("/api/subscriptions", handler.GetSubscription)
	r.PUT("/api/subscriptions", handler.PutSubscription)
	r.DELETE("/api/subscriptions", handler.DeleteSubscription)
	return r, testDB
}

func TestPutSubscriptionRejectsInvalidBody(t *testing.T) {
	router, _ := setupSubscriptionRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPut, "/api/subscriptions", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPutSubscriptionUpsertsByEndpoint(t *testing.T) {
	router, testDB := setupSubscriptionRouter(t)

	body := `{"endpoint":"https://push.example/e1","driver_id":"drv-1","p256dh":"key","auth":"auth"}`
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPut, "/api/subscriptions", strings.NewReader(body))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	// Re-pairing the device to another driver replaces the row.
	body = `{"endpoint":"https://push.example/e1","driver_id":"drv-2","p256dh":"key2","auth":"auth2"}`
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPut, "/api/subscriptions", strings.NewReader(body))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	var count int64
	testDB.Model(&model.AlertSubscription{}).Count(&count)
	assert.Equal(t, int64(1), count)

	var sub model.AlertSubscription
	require.NoError(t, testDB.First(&sub, "endpoint = ?", "https://push.example/e1").Error)
	assert.Equal(t, "drv-2", sub.DriverID)
	assert.Equal(t, "key2", sub.P256DH)
}

func TestGetSubscriptionReturnsDriver(t *testing.T) {
	router, testDB := setupSubscriptionRouter(t)
	require.NoError(t, testDB.Create(&model.AlertSubscription{
		Endpoint: "https://push.example/e1",
		DriverID: "drv-1",
		P256DH:   "key",
		Auth:     "auth",
	}).Error)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/subscriptions?endpoint=https://push.example/e1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"driver_id":"drv-1"}`, w.Body.String())

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/subscriptions?endpoint=https://push.example/unknown", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSubscription(t *testing.T) {
	router, testDB := setupSubscriptionRouter(t)
	require.NoError(t, testDB.Create(&model.AlertSubscription{
		Endpoint: "https://push.example/e1",
		DriverID: "drv-1",
		P256DH:   "key",
		Auth:     "auth",
	}).Error)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodDelete, "/api/subscriptions", strings.NewReader(`{"endpoint":"https://push.example/e1"}`))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	var count int64
	testDB.Model(&model.AlertSubscription{}).Count(&count)
	assert.Equal(t, int64(0), count)
}
