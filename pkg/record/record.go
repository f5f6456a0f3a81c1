/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: record.go
Description: Credential Record. Maps field names to scalar or list values, built incrementally
by the extraction engine and the enrichment client. Scalars are first-writer-wins, lists are
ordered, deduplicated and optionally capped.
*/

package record

import (
	"encoding/json"
	"sort"
	"strings"
)

// Well-known field names shared by the extraction profiles, the enrichment client and the
// persisted artifacts.
const (
	UserToken     = "user_token"
	UserID        = "user_id"
	UserEmail     = "user_email"
	UserName      = "user_name"
	AccountToken  = "account_token"
	OpenAPIToken  = "openapi_token"
	DeviceSN      = "device_sn"
	DeviceName    = "device_name"
	DroneSN       = "drone_sn"
	DroneModel    = "drone_model"
	PairUUID      = "pair_uuid"
	IoTURL        = "iot_url"
	APIURLs       = "api_urls"
	DeviceUUID    = "device_uuid"
	MQTTDomain    = "mqtt_domain"
	MQTTPort      = "mqtt_port"
	MQTTUserUUID  = "mqtt_user_uuid"
	MQTTPassword  = "mqtt_password"
	AccountOK     = "account_verified"
	APIWorking    = "api_working"
	FlightsOK     = "flight_records_accessible"
	RecentFlights = "recent_flights_count"
	BrokerOK      = "broker_reachable"
)

// NotFound is how an absent field is rendered.
const NotFound = "Not found"

// Kind distinguishes single-valued fields from list-valued ones.
type Kind string

const (
	Scalar Kind = "scalar"
	List   Kind = "list"
)

// Value holds either one string or an ordered list of strings.
type Value struct {
	Kind   Kind
	Scalar string
	List   []string
}

// Empty reports whether the value carries nothing.
func (v Value) Empty() bool {
	if v.Kind == List {
		return len(v.List) == 0
	}
	return v.Scalar == ""
}

// String renders the value; lists are joined with ",".
func (v Value) String() string {
	if v.Kind == List {
		return strings.Join(v.List, ",")
	}
	return v.Scalar
}

// MarshalJSON emits scalars as strings and lists as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == List {
		list := v.List
		if list == nil {
			list = []string{}
		}
		return json.Marshal(list)
	}
	return json.Marshal(v.Scalar)
}

// Record is the structured output of the extraction/enrichment pipeline.
// The zero value is not usable; call New.
type Record struct {
	values map[string]Value
	order  []string
}

// New creates an empty record.
func New() *Record {
	return &Record{values: make(map[string]Value)}
}

func (r *Record) touch(name string) {
	if _, ok := r.values[name]; !ok {
		r.order = append(r.order, name)
	}
}

// Set stores a scalar unless the field already holds a non-empty value.
// It reports whether the value was written.
func (r *Record) Set(name, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	if cur, ok := r.values[name]; ok && !cur.Empty() {
		return false
	}
	r.touch(name)
	r.values[name] = Value{Kind: Scalar, Scalar: value}
	return true
}

// Append adds value to a list field, skipping exact repeats. limit <= 0 means uncapped.
// It reports whether the value was added.
func (r *Record) Append(name, value string, limit int) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	cur, ok := r.values[name]
	if ok && cur.Kind != List {
		return false
	}
	for _, existing := range cur.List {
		if existing == value {
			return false
		}
	}
	if limit > 0 && len(cur.List) >= limit {
		return false
	}
	r.touch(name)
	list := append(append([]string(nil), cur.List...), value)
	r.values[name] = Value{Kind: List, List: list}
	return true
}

// Fill writes a scalar only when the field is still empty. Enrichment uses it so that values
// recovered from memory are never overwritten.
func (r *Record) Fill(name, value string) bool {
	if r.Has(name) {
		return false
	}
	return r.Set(name, value)
}

// FillList appends values to a list field only when the field is still empty.
func (r *Record) FillList(name string, values []string, limit int) bool {
	if r.Has(name) {
		return false
	}
	added := false
	for _, v := range values {
		if r.Append(name, v, limit) {
			added = true
		}
	}
	return added
}

// Has reports whether the field holds a non-empty value.
func (r *Record) Has(name string) bool {
	v, ok := r.values[name]
	return ok && !v.Empty()
}

// Get returns the raw value.
func (r *Record) Get(name string) (Value, bool) {
	v, ok := r.values[name]
	if !ok || v.Empty() {
		return Value{}, false
	}
	return v, true
}

// Scalar returns a scalar field or "".
func (r *Record) Scalar(name string) string {
	v, ok := r.Get(name)
	if !ok {
		return ""
	}
	return v.String()
}

// List returns a copy of a list field.
func (r *Record) List(name string) []string {
	v, ok := r.Get(name)
	if !ok {
		return nil
	}
	if v.Kind != List {
		return []string{v.Scalar}
	}
	return append([]string(nil), v.List...)
}

// Display returns the field rendered for humans, NotFound when absent.
func (r *Record) Display(name string) string {
	if s := r.Scalar(name); s != "" {
		return s
	}
	return NotFound
}

// Valid reports extraction validity: the primary session token is present.
func (r *Record) Valid() bool {
	return r.Has(UserToken)
}

// Fields returns the populated field names in insertion order.
func (r *Record) Fields() []string {
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.Has(name) {
			out = append(out, name)
		}
	}
	return out
}

// Len returns the number of populated fields.
func (r *Record) Len() int {
	return len(r.Fields())
}

// MarshalJSON emits the populated fields with sorted keys.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]Value, len(r.values))
	names := r.Fields()
	sort.Strings(names)
	for _, name := range names {
		out[name] = r.values[name]
	}
	return json.Marshal(out)
}

// Mask shortens a secret for console display: first 20 and last 10 characters.
func Mask(secret string) string {
	if len(secret) <= 34 {
		return secret
	}
	return secret[:20] + "..." + secret[len(secret)-10:]
}
