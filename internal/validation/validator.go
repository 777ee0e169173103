package validation

import (
	"encoding/json"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
)

// New returns a validator with the struct-level checks of the queued
// payload variants registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterStructValidation(formStructValidation, models.FormRecord{})
	v.RegisterStructValidation(actionStructValidation, models.GenericAction{})

	return v
}

// formStructValidation requires the form data to be a JSON document.
func formStructValidation(sl validatorv10.StructLevel) {
	form := sl.Current().Interface().(models.FormRecord)
	if len(form.Data) > 0 && !json.Valid(form.Data) {
		sl.ReportError(form.Data, "data", "Data", "json", "")
	}
}

// actionStructValidation requires an action body, when given, to be JSON.
func actionStructValidation(sl validatorv10.StructLevel) {
	action := sl.Current().Interface().(models.GenericAction)
	if len(action.Body) > 0 && !json.Valid(action.Body) {
		sl.ReportError(action.Body, "body", "Body", "json", "")
	}
}

// Fields flattens validation errors into field -> message.
func Fields(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validatorv10.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Error()
		}
	} else if err != nil {
		out["error"] = err.Error()
	}
	return out
}
