package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HenokTZA/evcsms/internal"
	"github.com/HenokTZA/evcsms/internal/config"
	"github.com/HenokTZA/evcsms/models"
	"github.com/HenokTZA/evcsms/ocpp/core"
	"github.com/HenokTZA/evcsms/ocpp/localauth"
	"github.com/HenokTZA/evcsms/ocpp/smartcharging"
	"github.com/HenokTZA/evcsms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTime() time.Time {
	return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
}

type nopLogger struct{}

func (nopLogger) FeatureEvent(feature, id, text string) {}
func (nopLogger) RawDataEvent(direction, data string)   {}
func (nopLogger) Debug(text string)                     {}
func (nopLogger) Warn(text string)                      {}
func (nopLogger) Error(text string, err error)          {}

// fakeDatabase is an in-memory internal.Database with the same atomicity
// guarantees the storage layer promises.
type fakeDatabase struct {
	mux          sync.Mutex
	tenants      map[string]*models.Tenant
	chargePoints map[string]*models.ChargePoint
	transactions map[int]*models.Transaction
	commands     []*models.Command
	counter      int
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		tenants:      make(map[string]*models.Tenant),
		chargePoints: make(map[string]*models.ChargePoint),
		transactions: make(map[int]*models.Transaction),
	}
}

func (f *fakeDatabase) WriteLogMessage(data internal.Data) error {
	return nil
}

func (f *fakeDatabase) GetTenantByKey(accessKey string) (*models.Tenant, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	for _, tenant := range f.tenants {
		if strings.EqualFold(tenant.AccessKey, accessKey) {
			return tenant, nil
		}
	}
	return nil, nil
}

func (f *fakeDatabase) GetChargePoint(id string) (*models.ChargePoint, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.chargePoints[id], nil
}

func (f *fakeDatabase) CreateOrBindChargePoint(id, tenantId string) (*models.ChargePoint, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	chargePoint, ok := f.chargePoints[id]
	if !ok {
		chargePoint = &models.ChargePoint{Id: id, TenantId: tenantId, Status: "Available"}
		f.chargePoints[id] = chargePoint
	}
	if chargePoint.TenantId == "" {
		chargePoint.TenantId = tenantId
	}
	return chargePoint, nil
}

func (f *fakeDatabase) UpdateChargePoint(chargePoint *models.ChargePoint) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.chargePoints[chargePoint.Id] = chargePoint
	return nil
}

func (f *fakeDatabase) NextTransactionId() (int, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.counter++
	return f.counter, nil
}

func (f *fakeDatabase) AddTransaction(transaction *models.Transaction) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.transactions[transaction.Id] = transaction
	return nil
}

func (f *fakeDatabase) GetTransaction(id int) (*models.Transaction, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.transactions[id], nil
}

func (f *fakeDatabase) UpdateTransaction(transaction *models.Transaction) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.transactions[transaction.Id] = transaction
	return nil
}

func (f *fakeDatabase) GetLastTransaction() (*models.Transaction, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	var ids []int
	for id := range f.transactions {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Ints(ids)
	return f.transactions[ids[len(ids)-1]], nil
}

func (f *fakeDatabase) AddCommand(command *models.Command) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.commands = append(f.commands, command)
	return nil
}

func (f *fakeDatabase) NextCommand(chargePointId string) (*models.Command, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	for _, command := range f.commands {
		if command.ChargePointId == chargePointId && command.SentAt == nil {
			now := time.Now()
			command.SentAt = &now
			return command, nil
		}
	}
	return nil, nil
}

func testConfig() *config.Config {
	conf := &config.Config{}
	conf.Ocpp.HeartbeatInterval = 30
	conf.Ocpp.ConnectionTimeOut = 120
	conf.Ocpp.CommandPollInterval = 1
	conf.Ocpp.CommandReplyTimeout = 10
	conf.Ocpp.AcceptUnknownTag = true
	conf.Ocpp.DataTransferVendorId = "generalConfiguration"
	conf.Ocpp.RatedCurrent = 32
	return conf
}

func testHandler(database *fakeDatabase) *SystemHandler {
	handler := NewSystemHandler(time.UTC)
	handler.SetDatabase(database)
	handler.SetLogger(nopLogger{})
	handler.SetParameters(testConfig())
	return handler
}

func testSession(id string) *Session {
	tenant := &models.Tenant{Id: "t1", Name: "Acme Charging", AccessKey: "secret"}
	return NewSession(id, tenant, testConfig())
}

func TestBootNotificationUpdatesChargePoint(t *testing.T) {
	database := newFakeDatabase()
	handler := testHandler(database)
	session := testSession("CP001")

	response, err := handler.OnBootNotification(session, &core.BootNotificationRequest{
		ChargePointVendor: "Acme",
		ChargePointModel:  "X1",
		FirmwareVersion:   "1.2.3",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RegistrationStatusAccepted, response.Status)
	assert.Equal(t, 30, response.Interval)
	require.NotNil(t, response.CurrentTime)
	assert.False(t, response.CurrentTime.IsZero())

	chargePoint := database.chargePoints["CP001"]
	require.NotNil(t, chargePoint)
	assert.Equal(t, "Acme", chargePoint.Vendor)
	assert.Equal(t, "X1", chargePoint.Model)
	assert.Equal(t, "1.2.3", chargePoint.FirmwareVersion)
	assert.Equal(t, "t1", chargePoint.TenantId)
}

func TestBootNotificationKeepsFirstTenant(t *testing.T) {
	database := newFakeDatabase()
	database.chargePoints["CP001"] = &models.ChargePoint{Id: "CP001", TenantId: "owner"}
	handler := testHandler(database)

	_, err := handler.OnBootNotification(testSession("CP001"), &core.BootNotificationRequest{
		ChargePointVendor: "Acme",
		ChargePointModel:  "X1",
	})
	require.NoError(t, err)
	assert.Equal(t, "owner", database.chargePoints["CP001"].TenantId)
}

func TestHeartbeat(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	response, err := handler.OnHeartbeat(testSession("CP001"), &core.HeartbeatRequest{})
	require.NoError(t, err)
	require.NotNil(t, response.CurrentTime)
}

func TestAuthorizeAlwaysAccepts(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	response, err := handler.OnAuthorize(testSession("CP001"), &core.AuthorizeRequest{IdTag: "TAG42"})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)
}

func TestAuthorizeRejectsWhenPolicyDisabled(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	handler.acceptUnknownTag = false
	response, err := handler.OnAuthorize(testSession("CP001"), &core.AuthorizeRequest{IdTag: "TAG42"})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusInvalid, response.IdTagInfo.Status)
}

func TestStatusNotificationUpdatesState(t *testing.T) {
	database := newFakeDatabase()
	database.chargePoints["CP001"] = &models.ChargePoint{Id: "CP001", TenantId: "t1"}
	handler := testHandler(database)

	_, err := handler.OnStatusNotification(testSession("CP001"), &core.StatusNotificationRequest{
		ConnectorId: 1,
		Status:      core.ChargePointStatusCharging,
		ErrorCode:   core.NoError,
	})
	require.NoError(t, err)
	chargePoint := database.chargePoints["CP001"]
	assert.Equal(t, 1, chargePoint.ConnectorId)
	assert.Equal(t, "Charging", chargePoint.Status)
}

func TestDataTransferVendorPolicy(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	session := testSession("CP001")

	accepted, err := handler.OnDataTransfer(session, &core.DataTransferRequest{VendorId: "generalConfiguration"})
	require.NoError(t, err)
	assert.Equal(t, core.DataTransferStatusAccepted, accepted.Status)

	rejected, err := handler.OnDataTransfer(session, &core.DataTransferRequest{VendorId: "somebodyElse"})
	require.NoError(t, err)
	assert.Equal(t, core.DataTransferStatusRejected, rejected.Status)
}

func TestTransactionLifecycle(t *testing.T) {
	database := newFakeDatabase()
	database.chargePoints["CP001"] = &models.ChargePoint{Id: "CP001", TenantId: "t1"}
	handler := testHandler(database)
	session := testSession("CP001")

	start, err := handler.OnStartTransaction(session, &core.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "TAG42",
		MeterStart:  1000,
		Timestamp:   types.NewDateTime(testTime()),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, start.IdTagInfo.Status)
	transactionId := start.TransactionId

	_, err = handler.OnMeterValues(session, &core.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: &transactionId,
		MeterValue: []types.MeterValue{{
			Timestamp: types.NewDateTime(testTime().Add(10 * time.Minute)),
			SampledValue: []types.SampledValue{{
				Value:     "1500",
				Measurand: types.MeasurandEnergyActiveImportRegister,
			}},
		}},
	})
	require.NoError(t, err)
	transaction := database.transactions[transactionId]
	require.NotNil(t, transaction)
	assert.Equal(t, 1000.0, *transaction.StartWh)
	assert.Equal(t, 1500.0, *transaction.LatestWh)

	stop, err := handler.OnStopTransaction(session, &core.StopTransactionRequest{
		TransactionId: transactionId,
		MeterStop:     2000,
		Timestamp:     types.NewDateTime(testTime().Add(time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, stop.IdTagInfo.Status)

	transaction = database.transactions[transactionId]
	require.NotNil(t, transaction.TimeStop)
	assert.Equal(t, 2000.0, *transaction.LatestWh)
	assert.Equal(t, 1000.0, *transaction.StartWh)
	// 1000 Wh consumed → 1.0 kWh, no tariff → no cost
	assert.Nil(t, transaction.TotalCost)
}

func TestStartTransactionCapturesPrices(t *testing.T) {
	database := newFakeDatabase()
	priceKwh := 0.5
	database.chargePoints["CP001"] = &models.ChargePoint{Id: "CP001", TenantId: "t1", PricePerKwh: &priceKwh}
	handler := testHandler(database)
	session := testSession("CP001")

	start, err := handler.OnStartTransaction(session, &core.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "TAG42",
		MeterStart:  0,
		Timestamp:   types.NewDateTime(testTime()),
	})
	require.NoError(t, err)

	transaction := database.transactions[start.TransactionId]
	require.NotNil(t, transaction.PriceKwhAtStart)
	assert.Equal(t, 0.5, *transaction.PriceKwhAtStart)

	// tariff change after start must not leak into the open session
	newPrice := 9.9
	database.chargePoints["CP001"].PricePerKwh = &newPrice

	_, err = handler.OnStopTransaction(session, &core.StopTransactionRequest{
		TransactionId: start.TransactionId,
		MeterStop:     2000,
		Timestamp:     types.NewDateTime(testTime().Add(time.Hour)),
	})
	require.NoError(t, err)

	transaction = database.transactions[start.TransactionId]
	require.NotNil(t, transaction.TotalCost)
	// 2 kWh at the captured 0.5 rate
	assert.Equal(t, 1.0, *transaction.TotalCost)
}

func TestMeterValuesUnknownTransactionIsBenign(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	unknown := 999
	response, err := handler.OnMeterValues(testSession("CP001"), &core.MeterValuesRequest{
		ConnectorId:   1,
		TransactionId: &unknown,
		MeterValue: []types.MeterValue{{
			Timestamp:    types.NewDateTime(testTime()),
			SampledValue: []types.SampledValue{{Value: "100"}},
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, response)
}

func TestStopTransactionUnknownTransactionIsBenign(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	response, err := handler.OnStopTransaction(testSession("CP001"), &core.StopTransactionRequest{
		TransactionId: 12345,
		MeterStop:     10,
		Timestamp:     types.NewDateTime(testTime()),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)
}

func TestChangeConfigurationPolicy(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	session := testSession("CP001")

	rejected, err := handler.OnChangeConfiguration(session, &core.ChangeConfigurationRequest{Key: "NoSuchKey", Value: "1"})
	require.NoError(t, err)
	assert.Equal(t, core.ConfigurationStatusRejected, rejected.Status)

	accepted, err := handler.OnChangeConfiguration(session, &core.ChangeConfigurationRequest{Key: "HeartbeatInterval", Value: "60"})
	require.NoError(t, err)
	assert.Equal(t, core.ConfigurationStatusAccepted, accepted.Status)

	response, err := handler.OnGetConfiguration(session, &core.GetConfigurationRequest{Key: []string{"HeartbeatInterval"}})
	require.NoError(t, err)
	require.Len(t, response.ConfigurationKey, 1)
	assert.Equal(t, "60", *response.ConfigurationKey[0].Value)

	// the change is scoped to the connection; a new session sees the default
	fresh := testSession("CP001")
	freshResponse, err := handler.OnGetConfiguration(fresh, &core.GetConfigurationRequest{Key: []string{"HeartbeatInterval"}})
	require.NoError(t, err)
	require.Len(t, freshResponse.ConfigurationKey, 1)
	assert.Equal(t, "30", *freshResponse.ConfigurationKey[0].Value)
}

func TestGetConfigurationReportsUnknownKeys(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	response, err := handler.OnGetConfiguration(testSession("CP001"), &core.GetConfigurationRequest{
		Key: []string{"HeartbeatInterval", "Bogus"},
	})
	require.NoError(t, err)
	assert.Len(t, response.ConfigurationKey, 1)
	assert.Equal(t, []string{"Bogus"}, response.UnknownKey)
}

func TestGetConfigurationReturnsAllWithoutKeys(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	response, err := handler.OnGetConfiguration(testSession("CP001"), &core.GetConfigurationRequest{})
	require.NoError(t, err)
	assert.Len(t, response.ConfigurationKey, 2)
	assert.Empty(t, response.UnknownKey)
}

func TestGetLocalListVersion(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	response, err := handler.OnGetLocalListVersion(testSession("CP001"), &localauth.GetLocalListVersionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, response.ListVersion)
}

func testChargingProfile(id int) *types.ChargingProfile {
	return &types.ChargingProfile{
		ChargingProfileId:      id,
		StackLevel:             0,
		ChargingProfilePurpose: types.ChargingProfilePurposeTxDefaultProfile,
		ChargingProfileKind:    types.ChargingProfileKindAbsolute,
		ChargingSchedule: &types.ChargingSchedule{
			ChargingRateUnit: types.ChargingRateUnitAmperes,
			ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 16},
			},
		},
	}
}

func TestChargingProfileFlow(t *testing.T) {
	handler := testHandler(newFakeDatabase())
	session := testSession("CP001")

	// no profiles yet: composite schedule is rejected
	rejected, err := handler.OnGetCompositeSchedule(session, &smartcharging.GetCompositeScheduleRequest{ConnectorId: 1, Duration: 600})
	require.NoError(t, err)
	assert.Equal(t, smartcharging.GetCompositeScheduleStatusRejected, rejected.Status)

	// profile without an id is refused
	noId, err := handler.OnSetChargingProfile(session, &smartcharging.SetChargingProfileRequest{
		ConnectorId:     1,
		ChargingProfile: testChargingProfile(0),
	})
	require.NoError(t, err)
	assert.Equal(t, smartcharging.ChargingProfileStatusRejected, noId.Status)

	stored, err := handler.OnSetChargingProfile(session, &smartcharging.SetChargingProfileRequest{
		ConnectorId:     1,
		ChargingProfile: testChargingProfile(7),
	})
	require.NoError(t, err)
	assert.Equal(t, smartcharging.ChargingProfileStatusAccepted, stored.Status)

	schedule, err := handler.OnGetCompositeSchedule(session, &smartcharging.GetCompositeScheduleRequest{ConnectorId: 1, Duration: 600})
	require.NoError(t, err)
	assert.Equal(t, smartcharging.GetCompositeScheduleStatusAccepted, schedule.Status)
	require.NotNil(t, schedule.ChargingSchedule)
	require.Len(t, schedule.ChargingSchedule.ChargingSchedulePeriod, 1)
	assert.Equal(t, 32.0, schedule.ChargingSchedule.ChargingSchedulePeriod[0].Limit)

	id := 7
	cleared, err := handler.OnClearChargingProfile(session, &smartcharging.ClearChargingProfileRequest{Id: &id})
	require.NoError(t, err)
	assert.Equal(t, smartcharging.ClearChargingProfileStatusAccepted, cleared.Status)
	assert.False(t, session.HasChargingProfiles())
}

func TestConcurrentStartTransactionsGetUniqueIds(t *testing.T) {
	database := newFakeDatabase()
	handler := testHandler(database)

	const workers = 10
	ids := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			session := testSession(fmt.Sprintf("CP%03d", n))
			response, err := handler.OnStartTransaction(session, &core.StartTransactionRequest{
				ConnectorId: 1,
				IdTag:       "TAG",
				MeterStart:  0,
				Timestamp:   types.NewDateTime(testTime()),
			})
			if !assert.NoError(t, err) {
				return
			}
			ids <- response.TransactionId
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate transaction id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers)
}
