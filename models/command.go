package models

import "time"

// Command is one operator-issued request queued for a charge point. The
// session poller marks it sent at the moment of dequeue, so delivery is
// at-most-once even if the connection drops before the device replies.
type Command struct {
	Id            string            `json:"command_id" bson:"command_id"`
	ChargePointId string            `json:"charge_point_id" bson:"charge_point_id"`
	FeatureName   string            `json:"feature_name" bson:"feature_name"`
	Payload       map[string]string `json:"payload" bson:"payload"`
	Created       time.Time         `json:"created" bson:"created"`
	SentAt        *time.Time        `json:"sent_at,omitempty" bson:"sent_at"`
}
