package models

import "time"

// Farmer is the minimal member profile the settlement core needs. Registration
// and authentication live outside this service.
type Farmer struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Phone     string    `json:"phone,omitempty" bson:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}
