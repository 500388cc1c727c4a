// Package metadata reads the per-artwork metadata files found in a library.
//
// A metadata file is a sequence of blocks. Each block is a key on its own
// line followed by one or more value lines, and ends at a blank line or at the
// end of the file:
//
//	ID
//	123
//
//	Tags
//	#a #b
//	- c
//
// Keys are case-insensitive and unknown keys are ignored.
package metadata

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidRecord = errors.New("invalid metadata record")

// Record is one parsed metadata file.
type Record struct {
	ID           string     `key:"ID" validate:"required,number"`
	Title        string     `key:"Title" validate:"required"`
	Author       string     `key:"User" validate:"required"`
	AuthorID     string     `key:"UserID" validate:"required,number"`
	Description  string     `key:"Description"`
	Tags         []string   `key:"Tags"`
	SourceURL    *string    `key:"URL" validate:"omitempty,url"`
	OriginalURL  *string    `key:"Original" validate:"omitempty,url"`
	ThumbnailURL *string    `key:"Thumbnail" validate:"omitempty,url"`
	Restricted   bool       `key:"xRestrict"`
	AIGenerated  *bool      `key:"AI"`
	Size         *string    `key:"Size"`
	Bookmarks    *int       `key:"Bookmark"`
	Date         *time.Time `key:"Date"`
}

// ValidationError lists the metadata keys that are missing or malformed.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: missing or invalid %s", ErrInvalidRecord, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRecord
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("key"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate checks the required identifiers and names and the URL syntax.
func (r *Record) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, fe.Field())
	}
	return out
}
