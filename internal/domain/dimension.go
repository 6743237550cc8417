package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrUnsupportedDimension is returned for a dimension outside the known set. It is
// raised before any statement touches the warehouse.
var ErrUnsupportedDimension = errors.New("unsupported dimension")

// Dimension describes a type-2 slowly changing dimension table. Table and column
// names are only ever taken from the registered values below.
type Dimension struct {
	Name        string
	Table       string
	KeyColumn   string
	BusinessKey string
	Attributes  []string

	// Extract returns the business key and the tracked attributes, in Attributes
	// order, carried by a staging record.
	Extract func(StagingRecord) (string, []*string)
}

var (
	CustomerDimension = Dimension{
		Name:        "customer",
		Table:       "dim_customer",
		KeyColumn:   "customer_sk",
		BusinessKey: "customer_bk",
		Attributes:  []string{"country", "city"},
		Extract: func(r StagingRecord) (string, []*string) {
			return r.CustomerID, []*string{r.Country, r.City}
		},
	}

	MerchantDimension = Dimension{
		Name:        "merchant",
		Table:       "dim_merchant",
		KeyColumn:   "merchant_sk",
		BusinessKey: "merchant_bk",
		Attributes:  []string{"category", "country", "city"},
		Extract: func(r StagingRecord) (string, []*string) {
			return r.MerchantID, []*string{r.Category, r.Country, r.City}
		},
	}
)

var dimensions = map[string]Dimension{
	CustomerDimension.Table: CustomerDimension,
	MerchantDimension.Table: MerchantDimension,
}

// Dimensions returns the registered versioned dimensions in load order.
func Dimensions() []Dimension {
	return []Dimension{CustomerDimension, MerchantDimension}
}

// LookupDimension finds a registered dimension by table name or short name.
func LookupDimension(name string) (Dimension, error) {
	if d, ok := dimensions[name]; ok {
		return d, nil
	}
	for _, d := range dimensions {
		if d.Name == name {
			return d, nil
		}
	}
	return Dimension{}, fmt.Errorf("%w: %q", ErrUnsupportedDimension, name)
}

// Validate checks that d is exactly one of the registered dimensions.
func (d Dimension) Validate() error {
	known, ok := dimensions[d.Table]
	if !ok {
		return fmt.Errorf("%w: table %q", ErrUnsupportedDimension, d.Table)
	}
	if d.Name != known.Name || d.KeyColumn != known.KeyColumn || d.BusinessKey != known.BusinessKey ||
		!slices.Equal(d.Attributes, known.Attributes) {
		return fmt.Errorf("%w: columns of %q do not match its definition", ErrUnsupportedDimension, d.Table)
	}
	if d.Extract == nil {
		return fmt.Errorf("%w: %q has no extractor", ErrUnsupportedDimension, d.Table)
	}
	return nil
}

// Version is one row of a versioned dimension. Attributes follow the order of the
// owning Dimension's Attributes.
type Version struct {
	Key         int64
	BusinessKey string
	Attributes  []*string
	ValidFrom   time.Time
	ValidTo     *time.Time
	IsCurrent   bool
}

// Fingerprint hashes an ordered attribute tuple. Absent values hash differently
// from empty strings and every value is length-prefixed.
func Fingerprint(attrs []*string) string {
	h := sha256.New()
	for _, a := range attrs {
		if a == nil {
			h.Write([]byte{0})
			continue
		}
		fmt.Fprintf(h, "\x01%d:%s", len(*a), *a)
	}
	return hex.EncodeToString(h.Sum(nil))
}
