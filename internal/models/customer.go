// Package models provides data model definitions for csmsync.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Customer is a customer record as held by the local store and both remotes.
//
// A positive ID was assigned by a remote store. A negative ID is a local temporary
// identity that has never been sent to any remote.
type Customer struct {
	ID                  int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	CustomerName        string `json:"customer_name"`
	CompanyName         string `json:"company_name"`
	City                Blob   `json:"city" gorm:"type:text"`
	CustomerSource      string `json:"customer_source"`
	CustomerSourceOther string `json:"customer_source_other"`
	CustomTags          Blob   `json:"custom_tags" gorm:"type:text"`
	DueDate             string `json:"due_date"`
	ContactPerson       string `json:"contact_person"`
	Position            Blob   `json:"position" gorm:"type:text"`
	Name                string `json:"name"`
	FinancialCapacity   string `json:"financial_capacity"`
	CustomerRating      int    `json:"customer_rating"`
	Status              string `json:"status"`
	Category            string `json:"category"`
	FollowUpAction      string `json:"follow_up_action"`
	Contacts            Blob   `json:"contacts" gorm:"type:text"`
	RequirementList     Blob   `json:"requirement_list" gorm:"type:text"`
	FollowUpRecords     Blob   `json:"follow_up_records" gorm:"type:text"`
	NextStep            string `json:"next_step"`
	GotOnlineProjects   Blob   `json:"got_online_projects" gorm:"type:text"`
	PipelineStatus      string `json:"pipeline_status"`
	ServiceExpiryDate   string `json:"service_expiry_date"`
	HasMiniGame         bool   `json:"has_mini_game"`
	MiniGameName        string `json:"mini_game_name"`
	MiniGamePlatforms   Blob   `json:"mini_game_platforms" gorm:"type:text"`
	MiniGameURL         string `json:"mini_game_url"`
	GPMStatus           string `json:"gpm_status"`
	Projects            Blob   `json:"projects" gorm:"type:text"`
	OwnerID             int64  `json:"owner_id" gorm:"index"`
	ProjectLink         string `json:"project_link"`
	Notes               string `json:"notes"`
	LastTestDate        string `json:"last_test_date"`
	CreatedBy           int64  `json:"created_by"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at" gorm:"index"`
	SyncedAt            string `json:"synced_at"`

	// IsLocal marks a copy that may diverge from the remote.
	IsLocal bool `json:"isLocal" gorm:"-"`
}

// TableName returns the table name for Customer.
func (Customer) TableName() string {
	return "customers"
}

// IsTemporary reports whether the record still carries a local temporary id.
func (c *Customer) IsTemporary() bool {
	return c.ID < 0
}

// IsPending reports whether a write on this record is not yet confirmed remotely.
func (c *Customer) IsPending() bool {
	return c.IsLocal || c.SyncedAt == ""
}

// MarkPending flags the record as diverged from the remote.
func (c *Customer) MarkPending() {
	c.IsLocal = true
	c.SyncedAt = ""
}

// MarkSynced flags the record as confirmed by a remote at t.
func (c *Customer) MarkSynced(t time.Time) {
	c.IsLocal = false
	c.SyncedAt = FormatTime(t)
}

// Clone returns a deep copy of the record.
func (c *Customer) Clone() *Customer {
	if c == nil {
		return nil
	}
	out := *c
	for _, p := range []*Blob{
		&out.City, &out.CustomTags, &out.Position, &out.Contacts, &out.RequirementList,
		&out.FollowUpRecords, &out.GotOnlineProjects, &out.MiniGamePlatforms, &out.Projects,
	} {
		if *p != nil {
			*p = append(Blob(nil), *p...)
		}
	}
	return &out
}

// Merge returns a copy of c with the patch applied field by field.
// The id in a patch is ignored; unknown keys are dropped.
func (c *Customer) Merge(p Patch) (*Customer, error) {
	base, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode customer %d: %w", c.ID, err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, fmt.Errorf("decode customer %d: %w", c.ID, err)
	}
	for k, v := range p {
		if k == FieldID {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		fields[k] = raw
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out Customer
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("apply patch to customer %d: %w", c.ID, err)
	}
	out.ID = c.ID
	return &out, nil
}

// NewCustomer builds a record from a field patch.
func NewCustomer(p Patch) (*Customer, error) {
	return (&Customer{}).Merge(p)
}

// ToPatch returns every business field of the record as a patch. Identity and
// local bookkeeping fields are excluded.
func (c *Customer) ToPatch() (Patch, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	p := Patch{}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	delete(p, FieldID)
	delete(p, FieldIsLocal)
	delete(p, FieldSyncedAt)
	return p, nil
}

// Encode serializes the record for the local store data column.
func (c *Customer) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCustomer parses a record serialized with Encode.
func DecodeCustomer(data []byte) (*Customer, error) {
	var c Customer
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Field names used outside of struct tags.
const (
	FieldID            = "id"
	FieldOwnerID       = "owner_id"
	FieldCreatedBy     = "created_by"
	FieldCreatedAt     = "created_at"
	FieldUpdatedAt     = "updated_at"
	FieldSyncedAt      = "synced_at"
	FieldIsLocal       = "isLocal"
	FieldNextStep      = "next_step"
	FieldStatus        = "status"
	FieldCategory      = "category"
	FieldCustomerName  = "customer_name"
	FieldCompanyName   = "company_name"
	FieldContactPerson = "contact_person"
	FieldName          = "name"
)

// SearchFields are the fields matched by free-text search.
var SearchFields = []string{FieldCustomerName, FieldCompanyName, FieldContactPerson, FieldName}

// SearchValues returns the record's values for SearchFields, in order.
func (c *Customer) SearchValues() []string {
	return []string{c.CustomerName, c.CompanyName, c.ContactPerson, c.Name}
}

// searchSeparator joins the folded SearchValues. Folded needles never contain it.
const searchSeparator = "\x1f"

// FoldSearch normalizes free text for case-insensitive matching.
func FoldSearch(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), searchSeparator, "")
}

// SearchText is the folded projection of SearchValues stored for local search.
func (c *Customer) SearchText() string {
	vals := c.SearchValues()
	for i, v := range vals {
		vals[i] = strings.ToLower(v)
	}
	return strings.Join(vals, searchSeparator)
}

// MatchesSearch reports whether the folded needle occurs in one of SearchValues.
func (c *Customer) MatchesSearch(needle string) bool {
	needle = FoldSearch(needle)
	if needle == "" {
		return true
	}
	for _, v := range c.SearchValues() {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

// TimeLayout is the ISO-8601 layout used for every timestamp field.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var parseLayouts = []string{
	time.RFC3339Nano,
	TimeLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses any timestamp form the stores produce.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
