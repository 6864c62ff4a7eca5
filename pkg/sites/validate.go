package sites

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// identPattern bounds database and table-prefix names that end up inside
// shell commands and SQL.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_$-]+$`)

// ValidIdent reports whether name is usable as a database name or prefix.
func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}

// idPattern bounds site ids, which name files such as the Magento cron
// script.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// CheckNames validates the descriptor fields that end up in file names,
// SQL and commands: the id, the host and the database names.
func CheckNames(s Site) error {
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("site id %q must match %s", s.ID, idPattern.String())
	}
	if err := validate.Var(s.Host, "hostname_rfc1123"); err != nil {
		return fmt.Errorf("site %s host %q is not a valid host name", s.ID, s.Host)
	}
	for _, db := range s.Databases {
		if !ValidIdent(db.Name) {
			return fmt.Errorf("site %s database %q must match %s", s.ID, db.Name, identPattern.String())
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("dbident", func(fl validator.FieldLevel) bool {
		return ValidIdent(fl.Field().String())
	})
	return v
}

// Problem is a field-level finding about a descriptor.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Field, p.Message)
}

// Check validates the fields of a descriptor beyond the id and host
// presence checks. It returns nil for a well-formed descriptor.
func Check(s Site) []Problem {
	var problems []Problem

	if !s.Framework.Known() {
		problems = append(problems, Problem{
			Field:   "framework",
			Message: fmt.Sprintf("unknown framework %q, treated as none", s.Framework),
		})
	}

	err := validate.Struct(s)
	if err == nil {
		return problems
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return append(problems, Problem{Field: "", Message: err.Error()})
	}
	for _, fe := range verrs {
		problems = append(problems, Problem{
			Field:   fe.Namespace(),
			Message: describe(fe),
		})
	}
	return problems
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "dbident":
		return fmt.Sprintf("%q must match %s", fe.Value(), identPattern.String())
	case "hostname_rfc1123":
		return fmt.Sprintf("%q is not a valid host name", fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
