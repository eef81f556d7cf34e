package models

// Tenant is an operator account owning a set of charge points. The access
// key is embedded in the websocket URL and selects the tenant on connect.
type Tenant struct {
	Id        string `json:"tenant_id" bson:"tenant_id"`
	Name      string `json:"name" bson:"name"`
	AccessKey string `json:"access_key" bson:"access_key"`
	Owner     string `json:"owner" bson:"owner"`
}
