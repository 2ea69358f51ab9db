package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dmi/internal/model"
)

// SchemaValidationError reports an artifact that does not conform to its
// schema. It blocks promotion.
type SchemaValidationError struct {
	Artifact   Kind
	Violations []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("contract: %s failed schema validation: %s", e.Artifact, strings.Join(e.Violations, "; "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report violations by their JSON field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("period", func(fl validator.FieldLevel) bool {
		_, err := model.ParsePeriod(fl.Field().String())
		return err == nil
	})
	return v
}

// target returns a fresh value of the artifact's Go type.
func target(kind Kind) (any, error) {
	switch kind {
	case KindResult:
		return &Result{}, nil
	case KindQAReport:
		return &QAReport{}, nil
	case KindReleaseMetadata:
		return &ReleaseMetadata{}, nil
	case KindWeights:
		return &WeightsSnapshot{}, nil
	case KindReviewPacket:
		return &ReviewPacket{}, nil
	default:
		return nil, eris.Errorf("contract: unknown artifact kind %q", kind)
	}
}

// Validate checks serialized artifact bytes against the artifact's schema.
// Unknown fields, missing required fields and out-of-range values are all
// violations.
func Validate(kind Kind, data []byte) error {
	v, err := target(kind)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &SchemaValidationError{Artifact: kind, Violations: []string{err.Error()}}
	}
	if dec.More() {
		return &SchemaValidationError{Artifact: kind, Violations: []string{"trailing data after artifact"}}
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return eris.Wrapf(err, "contract: validate %s", kind)
		}
		out := &SchemaValidationError{Artifact: kind}
		for _, fe := range verrs {
			out.Violations = append(out.Violations, violation(fe))
		}
		return out
	}

	if extra := semanticViolations(v); len(extra) > 0 {
		return &SchemaValidationError{Artifact: kind, Violations: extra}
	}
	return nil
}

func violation(fe validator.FieldError) string {
	field := fe.Namespace()
	// Drop the Go type name prefix.
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", field, fe.Tag())
}

// semanticViolations covers cross-field rules struct tags cannot express.
func semanticViolations(v any) []string {
	var out []string
	switch a := v.(type) {
	case *Result:
		if a.Metadata.GroupCount != len(a.Results) {
			out = append(out, fmt.Sprintf("metadata.group_count: %d does not match %d results", a.Metadata.GroupCount, len(a.Results)))
		}
		for _, r := range a.Results {
			if r.CILower != nil && r.CIUpper != nil && *r.CILower > *r.CIUpper {
				out = append(out, fmt.Sprintf("results[%s]: ci_lower above ci_upper", r.GroupID))
			}
		}
	case *ReleaseMetadata:
		seen := make(map[string]bool, len(a.Outputs))
		for _, o := range a.Outputs {
			if seen[o.Path] {
				out = append(out, fmt.Sprintf("outputs: duplicate path %s", o.Path))
			}
			seen[o.Path] = true
		}
		if (a.QA.Status == model.QAWarn) != (len(a.Warnings) > 0) {
			out = append(out, "warnings: must be present exactly when qa.status is WARN")
		}
	case *WeightsSnapshot:
		for _, g := range a.Groups {
			if _, ok := a.ExcludedShare[g]; !ok {
				out = append(out, fmt.Sprintf("excluded_share: missing group %s", g))
			}
		}
	}
	return out
}

// Encode serializes an artifact and validates the exact bytes that will be
// written.
func Encode(kind Kind, v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, eris.Wrapf(err, "contract: marshal %s", kind)
	}
	if err := Validate(kind, data); err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
