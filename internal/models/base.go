// Package models defines the GORM models persisted by encmux.
package models

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID identifies a record. It sorts by creation time and is stored as its
// 26 character text form.
type ULID ulid.ULID

// NewULID returns a ULID stamped with the current time.
func NewULID() ULID {
	return ULID(ulid.MustNew(ulid.Now(), rand.Reader))
}

// ParseULID parses the text form of a ULID.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	return ULID(id), nil
}

func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// Time returns the creation timestamp encoded in the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(ulid.ULID(u).Time())
}

func (u ULID) IsZero() bool {
	return u == ULID{}
}

// MarshalText encodes the zero ULID as an empty string.
func (u ULID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

func (u *ULID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*u = ULID{}
		return nil
	}
	id, err := ParseULID(string(b))
	if err != nil {
		return err
	}
	*u = id
	return nil
}

// Value implements driver.Valuer.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan implements sql.Scanner.
func (u *ULID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		return u.UnmarshalText([]byte(v))
	case []byte:
		return u.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into ULID", value)
	}
}

func (ULID) GormDataType() string {
	return "varchar(26)"
}

// BaseModel carries the primary key and timestamps shared by every model.
// Records are hard deleted.
type BaseModel struct {
	ID        ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns an ID to records created without one.
func (b *BaseModel) BeforeCreate(*gorm.DB) error {
	if b.ID.IsZero() {
		b.ID = NewULID()
	}
	return nil
}
