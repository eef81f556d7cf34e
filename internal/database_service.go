package internal

import "github.com/HenokTZA/evcsms/models"

// Database is the storage surface the protocol engine depends on. All
// cross-connection state lives behind it; implementations must provide
// atomic read-modify-write for NextTransactionId, CreateOrBindChargePoint
// and NextCommand.
type Database interface {
	WriteLogMessage(data Data) error

	GetTenantByKey(accessKey string) (*models.Tenant, error)

	GetChargePoint(id string) (*models.ChargePoint, error)
	// CreateOrBindChargePoint ensures a row exists for the identity and binds
	// it to the tenant if no tenant is bound yet (first-writer-wins).
	CreateOrBindChargePoint(id, tenantId string) (*models.ChargePoint, error)
	UpdateChargePoint(chargePoint *models.ChargePoint) error

	NextTransactionId() (int, error)
	AddTransaction(transaction *models.Transaction) error
	GetTransaction(id int) (*models.Transaction, error)
	UpdateTransaction(transaction *models.Transaction) error
	GetLastTransaction() (*models.Transaction, error)

	AddCommand(command *models.Command) error
	// NextCommand dequeues the oldest undelivered command for the charge
	// point and marks it delivered in the same operation; nil when the queue
	// is empty.
	NextCommand(chargePointId string) (*models.Command, error)
}

type Data interface {
	DataType() string
}
