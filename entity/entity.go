// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package entity defines the closed set of entity types that take part in
// offline synchronization. Each type is bound to its payload shape and to the
// endpoint segment used by the remote store.
package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// ErrUnknownType is returned when a table name does not map to a supported type.
var ErrUnknownType = errors.New("unknown entity type")

// ErrBadPayload is returned when a payload does not match its entity shape.
var ErrBadPayload = errors.New("bad payload")

// Type identifies a synchronized entity type.
type Type int

const (
	Client Type = iota + 1
	Driver
	Freight
	CollectionOrder
	Quotation
)

// All lists every supported type in pull order.
var All = []Type{Client, Driver, Freight, CollectionOrder, Quotation}

type binding struct {
	table      string
	endpoint   string
	newPayload func() Payload
}

var bindings = map[Type]binding{
	Client:          {table: "clients", endpoint: "clients", newPayload: func() Payload { return &ClientPayload{} }},
	Driver:          {table: "drivers", endpoint: "drivers", newPayload: func() Payload { return &DriverPayload{} }},
	Freight:         {table: "freights", endpoint: "freights", newPayload: func() Payload { return &FreightPayload{} }},
	CollectionOrder: {table: "collection_orders", endpoint: "collection-orders", newPayload: func() Payload { return &CollectionOrderPayload{} }},
	Quotation:       {table: "quotations", endpoint: "quotations", newPayload: func() Payload { return &QuotationPayload{} }},
}

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool {
	_, ok := bindings[t]
	return ok
}

// String returns the logical table name.
func (t Type) String() string {
	if b, ok := bindings[t]; ok {
		return b.table
	}
	return fmt.Sprintf("entity.Type(%d)", int(t))
}

// Endpoint returns the URL path segment the remote store serves this type under.
func (t Type) Endpoint() string {
	return bindings[t].endpoint
}

// NewPayload allocates an empty payload of the type's shape.
func (t Type) NewPayload() (Payload, error) {
	b, ok := bindings[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}
	return b.newPayload(), nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse maps a table name or endpoint segment to its Type.
func Parse(name string) (Type, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for t, b := range bindings {
		if n == b.table || n == b.endpoint {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Payload is the field set of one entity.
type Payload interface {
	Validate() error
}

// Decode parses raw JSON into the payload shape bound to t and validates it.
func Decode(t Type, raw json.RawMessage) (Payload, error) {
	p, err := t.NewPayload()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty %s payload", ErrBadPayload, t)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, t, err)
	}
	return p, nil
}

// Encode validates p against t and marshals it.
func Encode(t Type, p Payload) (json.RawMessage, error) {
	want, err := t.NewPayload()
	if err != nil {
		return nil, err
	}
	if v := reflect.ValueOf(p); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return nil, fmt.Errorf("%w: nil %s payload", ErrBadPayload, t)
	}
	if reflect.TypeOf(p) != reflect.TypeOf(want) {
		return nil, fmt.Errorf("%w: %T is not a %s payload, want %T", ErrBadPayload, p, t, want)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, t, err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return data, nil
}
