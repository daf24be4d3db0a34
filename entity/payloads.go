// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package entity

import (
	"errors"
	"strings"
	"time"
)

// ClientPayload is a shipper or consignee the brokerage works with.
type ClientPayload struct {
	Name     string `json:"name"`
	Document string `json:"document"` // CPF or CNPJ
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
}

func (p *ClientPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(p.Document) == "" {
		return errors.New("document is required")
	}
	return nil
}

// DriverPayload is a driver and the vehicle they operate.
type DriverPayload struct {
	Name          string `json:"name"`
	Document      string `json:"document"`
	LicenseNumber string `json:"license_number"`
	VehiclePlate  string `json:"vehicle_plate,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

func (p *DriverPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(p.LicenseNumber) == "" {
		return errors.New("license_number is required")
	}
	return nil
}

// FreightPayload is a single brokered shipment.
type FreightPayload struct {
	ClientID    string     `json:"client_id"`
	DriverID    string     `json:"driver_id,omitempty"`
	Origin      string     `json:"origin"`
	Destination string     `json:"destination"`
	Cargo       string     `json:"cargo,omitempty"`
	WeightKg    float64    `json:"weight_kg"`
	ValueCents  int64      `json:"value_cents"`
	Status      string     `json:"status"`
	PickupAt    *time.Time `json:"pickup_at,omitempty"`
}

// Freight statuses.
const (
	FreightOpen      = "open"
	FreightInTransit = "in_transit"
	FreightDelivered = "delivered"
	FreightCancelled = "cancelled"
)

func (p *FreightPayload) Validate() error {
	if p.ClientID == "" {
		return errors.New("client_id is required")
	}
	if p.Origin == "" || p.Destination == "" {
		return errors.New("origin and destination are required")
	}
	if p.WeightKg < 0 || p.ValueCents < 0 {
		return errors.New("weight and value must not be negative")
	}
	switch p.Status {
	case FreightOpen, FreightInTransit, FreightDelivered, FreightCancelled:
	default:
		return errors.New("unknown freight status " + p.Status)
	}
	return nil
}

// CollectionOrderPayload instructs a driver to collect cargo at the sender.
type CollectionOrderPayload struct {
	FreightID    string     `json:"freight_id"`
	Sender       string     `json:"sender"`
	Recipient    string     `json:"recipient"`
	Address      string     `json:"address"`
	Volumes      int        `json:"volumes"`
	WeightKg     float64    `json:"weight_kg"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

func (p *CollectionOrderPayload) Validate() error {
	if p.Sender == "" || p.Recipient == "" {
		return errors.New("sender and recipient are required")
	}
	if p.Address == "" {
		return errors.New("address is required")
	}
	if p.Volumes < 0 || p.WeightKg < 0 {
		return errors.New("volumes and weight must not be negative")
	}
	return nil
}

// QuotationPayload is a price offer made to a client.
type QuotationPayload struct {
	ClientID    string     `json:"client_id"`
	Origin      string     `json:"origin"`
	Destination string     `json:"destination"`
	WeightKg    float64    `json:"weight_kg"`
	PriceCents  int64      `json:"price_cents"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	Accepted    bool       `json:"accepted"`
}

func (p *QuotationPayload) Validate() error {
	if p.ClientID == "" {
		return errors.New("client_id is required")
	}
	if p.Origin == "" || p.Destination == "" {
		return errors.New("origin and destination are required")
	}
	if p.PriceCents < 0 {
		return errors.New("price must not be negative")
	}
	return nil
}
