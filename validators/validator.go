// Package validators holds the request validator and the custom rules it
// registers.
package validators

import (
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var youtubeRe = regexp.MustCompile(`^(?:https?://)?(?:m\.|www\.)?(?:youtu\.be/|youtube\.com/(?:embed/|v/|shorts/|watch\?v=|watch\?.+&v=))([\w-]{11})(?:\S+)?$`)

// VideoID extracts the video id from a YouTube link.
func VideoID(link string) (string, bool) {
	m := youtubeRe.FindStringSubmatch(link)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// validateYoutube is the "youtube" rule.
func validateYoutube(fl validator.FieldLevel) bool {
	_, ok := VideoID(fl.Field().String())
	return ok
}

// New returns a validator with the custom rules registered.
func New() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("youtube", validateYoutube); err != nil {
		panic(err)
	}
	return v
}

// CustomValidator adapts the validator to Echo.
type CustomValidator struct {
	validator *validator.Validate
}

func NewValidator() *CustomValidator {
	return &CustomValidator{validator: New()}
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
