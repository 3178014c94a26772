package errors

import (
	"net/http"
	"testing"

	crdb "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestUpstreamHint(t *testing.T) {
	cases := map[int]string{
		http.StatusUnauthorized:        "Authentication failed - GitHub token may be invalid",
		http.StatusForbidden:           "Permission denied - token may lack required permissions",
		http.StatusNotFound:            "Repository not found - check configuration",
		http.StatusUnprocessableEntity: "Invalid workflow trigger - check GitHub Actions setup",
		http.StatusBadGateway:          "GitHub API error: 502",
	}
	for status, want := range cases {
		assert.Equal(t, want, UpstreamHint(status), "status %d", status)
	}
}

func TestCodeOfSurvivesWrapping(t *testing.T) {
	base := NewUpstreamError(http.StatusForbidden, crdb.New("boom"))
	wrapped := crdb.Wrap(base, "dispatch")

	assert.True(t, IsUpstream(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.Equal(t, ErrCodeUpstream, CodeOf(wrapped))

	var appErr *AppError
	assert.True(t, crdb.As(wrapped, &appErr))
	assert.Equal(t, http.StatusForbidden, appErr.Status)
	assert.Contains(t, appErr.Hint, "Permission denied")
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrCode(""), CodeOf(crdb.New("plain")))
	assert.Equal(t, ErrCode(""), CodeOf(nil))
}

func TestAppErrorMessage(t *testing.T) {
	assert.Equal(t, "VALIDATION_ERROR: bad", NewValidationError("bad").Error())
	assert.Equal(t, "INTERNAL_ERROR: oops (cause)", NewInternalError("oops", crdb.New("cause")).Error())
}
