package validators

import (
	"encoding/json"
	"io"
	"net/http"

	pkgerrors "github.com/widgetry-io/widgetry-backend/pkg/errors"
)

// DecodeJSONBody decodes the request body strictly. Field-level validation is
// left to the command pipeline so the rules live in one place.
func DecodeJSONBody(r *http.Request, dest any) error {
	defer func() {
		io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request body").WithDetails(map[string]any{"error": err.Error()})
	}
	return nil
}
