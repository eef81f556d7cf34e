package internal

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/HenokTZA/evcsms/internal/config"
	"github.com/HenokTZA/evcsms/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionLog          = "sys_log"
	collectionTenants      = "tenants"
	collectionChargePoints = "charge_points"
	collectionTransactions = "transactions"
	collectionCommands     = "commands"
	collectionCounters     = "counters"
)

const transactionCounterId = "transaction_id"

type MongoDB struct {
	ctx           context.Context
	clientOptions *options.ClientOptions
	database      string
}

func NewMongoClient(conf *config.Config) (*MongoDB, error) {
	if !conf.Mongo.Enabled {
		return nil, nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client := &MongoDB{
		ctx:           context.Background(),
		clientOptions: clientOptions,
		database:      conf.Mongo.Database,
	}
	if err := client.seedTransactionCounter(); err != nil {
		return nil, err
	}
	return client, nil
}

func (m *MongoDB) connect() (*mongo.Client, error) {
	connection, err := mongo.Connect(m.ctx, m.clientOptions)
	if err != nil {
		return nil, err
	}
	return connection, nil
}

func (m *MongoDB) disconnect(connection *mongo.Client) {
	err := connection.Disconnect(m.ctx)
	if err != nil {
		log.Println("mongodb disconnect error;", err)
	}
}

func (m *MongoDB) WriteLogMessage(data Data) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionLog)
	_, err = collection.InsertOne(m.ctx, data)
	if err != nil {
		return err
	}
	return nil
}

func (m *MongoDB) GetTenantByKey(accessKey string) (*models.Tenant, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var tenant models.Tenant
	collection := connection.Database(m.database).Collection(collectionTenants)
	filter := bson.D{{Key: "access_key", Value: accessKey}}
	// strength 2: access keys match regardless of casing on either side
	opts := options.FindOne().SetCollation(&options.Collation{Locale: "en", Strength: 2})
	err = collection.FindOne(m.ctx, filter, opts).Decode(&tenant)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &tenant, nil
}

func (m *MongoDB) GetChargePoint(id string) (*models.ChargePoint, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var chargePoint models.ChargePoint
	collection := connection.Database(m.database).Collection(collectionChargePoints)
	filter := bson.D{{Key: "charge_point_id", Value: id}}
	err = collection.FindOne(m.ctx, filter).Decode(&chargePoint)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &chargePoint, nil
}

// CreateOrBindChargePoint upserts the charge point row and binds it to the
// tenant only while no tenant is set, so a station keeps its first owner even
// when two connections race on the same identity.
func (m *MongoDB) CreateOrBindChargePoint(id, tenantId string) (*models.ChargePoint, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionChargePoints)
	filter := bson.D{{Key: "charge_point_id", Value: id}}
	update := bson.D{
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "charge_point_id", Value: id},
			{Key: "tenant_id", Value: tenantId},
			{Key: "status", Value: "Available"},
		}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var chargePoint models.ChargePoint
	err = collection.FindOneAndUpdate(m.ctx, filter, update, opts).Decode(&chargePoint)
	if err != nil {
		return nil, err
	}
	if chargePoint.TenantId == "" {
		bind := bson.D{{Key: "$set", Value: bson.D{{Key: "tenant_id", Value: tenantId}}}}
		bindFilter := bson.D{{Key: "charge_point_id", Value: id}, {Key: "tenant_id", Value: ""}}
		err = collection.FindOneAndUpdate(m.ctx, bindFilter, bind, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&chargePoint)
		if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		if errors.Is(err, mongo.ErrNoDocuments) {
			// lost the race; read back whoever won
			return m.GetChargePoint(id)
		}
	}
	return &chargePoint, nil
}

func (m *MongoDB) UpdateChargePoint(chargePoint *models.ChargePoint) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionChargePoints)
	filter := bson.D{{Key: "charge_point_id", Value: chargePoint.Id}}
	update := bson.M{"$set": chargePoint}
	_, err = collection.UpdateOne(m.ctx, filter, update)
	return err
}

// seedTransactionCounter initialises the id counter from the highest stored
// transaction so restarts never reissue an id.
func (m *MongoDB) seedTransactionCounter() error {
	last, err := m.GetLastTransaction()
	if err != nil {
		return err
	}
	seed := 0
	if last != nil {
		seed = last.Id
	}

	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionCounters)
	filter := bson.D{{Key: "_id", Value: transactionCounterId}}
	update := bson.D{{Key: "$max", Value: bson.D{{Key: "value", Value: seed}}}}
	_, err = collection.UpdateOne(m.ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// NextTransactionId atomically increments the counter document, so concurrent
// StartTransaction handlers never observe the same id.
func (m *MongoDB) NextTransactionId() (int, error) {
	connection, err := m.connect()
	if err != nil {
		return 0, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionCounters)
	filter := bson.D{{Key: "_id", Value: transactionCounterId}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: 1}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter struct {
		Value int `bson:"value"`
	}
	err = collection.FindOneAndUpdate(m.ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func (m *MongoDB) AddTransaction(transaction *models.Transaction) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionTransactions)
	_, err = collection.InsertOne(m.ctx, transaction)
	return err
}

func (m *MongoDB) GetTransaction(id int) (*models.Transaction, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var transaction models.Transaction
	collection := connection.Database(m.database).Collection(collectionTransactions)
	filter := bson.D{{Key: "transaction_id", Value: id}}
	err = collection.FindOne(m.ctx, filter).Decode(&transaction)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

func (m *MongoDB) UpdateTransaction(transaction *models.Transaction) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionTransactions)
	filter := bson.D{{Key: "transaction_id", Value: transaction.Id}}
	update := bson.M{"$set": transaction}
	_, err = collection.UpdateOne(m.ctx, filter, update)
	return err
}

func (m *MongoDB) GetLastTransaction() (*models.Transaction, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var transaction models.Transaction
	collection := connection.Database(m.database).Collection(collectionTransactions)
	filter := bson.D{}
	opts := options.FindOne().SetSort(bson.D{{Key: "transaction_id", Value: -1}})
	err = collection.FindOne(m.ctx, filter, opts).Decode(&transaction)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &transaction, nil
}

func (m *MongoDB) AddCommand(command *models.Command) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionCommands)
	_, err = collection.InsertOne(m.ctx, command)
	return err
}

// NextCommand claims the oldest undelivered command by setting sent_at in the
// same findOneAndUpdate, so two concurrent pollers can never deliver the same
// command twice.
func (m *MongoDB) NextCommand(chargePointId string) (*models.Command, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionCommands)
	filter := bson.D{
		{Key: "charge_point_id", Value: chargePointId},
		{Key: "sent_at", Value: nil},
	}
	update := bson.D{{Key: "$currentDate", Value: bson.D{{Key: "sent_at", Value: true}}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created", Value: 1}}).
		SetReturnDocument(options.After)

	var command models.Command
	err = collection.FindOneAndUpdate(m.ctx, filter, update, opts).Decode(&command)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &command, nil
}
