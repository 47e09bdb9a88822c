package handler

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// RequestValidator plugs go-playground/validator into echo.  Field names
// in error messages use the json tag.
type RequestValidator struct {
	v *validator.Validate
}

// NewValidator returns a RequestValidator; assign it to echo.Echo.Validator.
func NewValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &RequestValidator{v: v}
}

func (r *RequestValidator) Validate(i interface{}) error { return r.v.Struct(i) }

// bindValid binds the body into req and validates it.  The returned error
// has already been written to the response as a 400.
func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		_ = c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
		return err
	}
	if err := c.Validate(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			_ = c.JSON(http.StatusBadRequest, echo.Map{"error": "validation failed", "fields": fields})
			return err
		}
		_ = c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
		return err
	}
	return nil
}
