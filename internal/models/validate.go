package models

import (
	"regexp"
	"sync"

	"github.com/asaskevich/govalidator"
)

var (
	idPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	registerOnce sync.Once
)

// ValidID checks user and room identifiers: 1-128 characters of
// letters, digits, dot, colon, dash and underscore.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func registerValidations() {
	govalidator.TagMap["roomid"] = govalidator.Validator(ValidID)
	govalidator.TagMap["userid"] = govalidator.Validator(ValidID)
}

// Validate checks the `valid` struct tags of v.
func Validate(v any) error {
	registerOnce.Do(registerValidations)
	_, err := govalidator.ValidateStruct(v)
	return err
}
