package models

import "time"

type ChargePoint struct {
	Id              string    `json:"charge_point_id" bson:"charge_point_id"`
	TenantId        string    `json:"tenant_id" bson:"tenant_id"`
	Title           string    `json:"title" bson:"title"`
	Model           string    `json:"model" bson:"model"`
	SerialNumber    string    `json:"serial_number" bson:"serial_number"`
	Vendor          string    `json:"vendor" bson:"vendor"`
	FirmwareVersion string    `json:"firmware_version" bson:"firmware_version"`
	ConnectorId     int       `json:"connector_id" bson:"connector_id"`
	Status          string    `json:"status" bson:"status"`
	Info            string    `json:"info" bson:"info"`
	Updated         time.Time `json:"updated" bson:"updated"`

	// operator-set tariff; read-only for the protocol engine
	PricePerKwh  *float64 `json:"price_per_kwh,omitempty" bson:"price_per_kwh"`
	PricePerHour *float64 `json:"price_per_hour,omitempty" bson:"price_per_hour"`

	Location string   `json:"location,omitempty" bson:"location"`
	Lat      *float64 `json:"lat,omitempty" bson:"lat"`
	Lng      *float64 `json:"lng,omitempty" bson:"lng"`
}
