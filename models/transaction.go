package models

import "time"

// Transaction is one charging session (StartTransaction → StopTransaction).
// Meter readings are watt-hours, mirroring OCPP 1.6 samples. Prices are
// captured from the charge point at session start; later tariff changes on
// the charge point must not affect this session.
type Transaction struct {
	Id            int        `json:"transaction_id" bson:"transaction_id"`
	ChargePointId string     `json:"charge_point_id" bson:"charge_point_id"`
	IdTag         string     `json:"id_tag" bson:"id_tag"`
	ConnectorId   int        `json:"connector_id" bson:"connector_id"`
	StartWh       *float64   `json:"start_wh" bson:"start_wh"`
	LatestWh      *float64   `json:"latest_wh" bson:"latest_wh"`
	TimeStart     time.Time  `json:"time_start" bson:"time_start"`
	TimeStop      *time.Time `json:"time_stop,omitempty" bson:"time_stop"`
	Reason        string     `json:"reason,omitempty" bson:"reason"`

	PriceKwhAtStart  *float64 `json:"price_kwh_at_start,omitempty" bson:"price_kwh_at_start"`
	PriceHourAtStart *float64 `json:"price_hour_at_start,omitempty" bson:"price_hour_at_start"`

	// unset while the session is open or when no tariff was captured
	TotalCost *float64 `json:"total_cost,omitempty" bson:"total_cost"`
}

func (t *Transaction) IsFinished() bool {
	return t.TimeStop != nil
}
