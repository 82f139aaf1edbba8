package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		isEOF   bool
	}{
		{"object", `{"title":"x"}`, false, false},
		{"unknown fields accepted", `{"title":"x","extra":1}`, false, false},
		{"empty body", ``, true, true},
		{"truncated", `{"title":`, true, false},
		{"trailing value", `{"title":"x"}{"title":"y"}`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dest struct {
				Title string `json:"title"`
			}
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			err := ParseJSON(httptest.NewRecorder(), r, &dest)

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "x", dest.Title)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.isEOF, errors.Is(err, io.EOF))
		})
	}
}

func TestOptionalString(t *testing.T) {
	var body struct {
		Title OptionalString `json:"title"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{}`), &body))
	assert.False(t, body.Title.Present)
	assert.Equal(t, "def", body.Title.ValueOr("def"))

	require.NoError(t, json.Unmarshal([]byte(`{"title":null}`), &body))
	assert.True(t, body.Title.Present)
	assert.Nil(t, body.Title.Value)

	require.NoError(t, json.Unmarshal([]byte(`{"title":"Trip"}`), &body))
	assert.Equal(t, "Trip", body.Title.ValueOr("def"))
}

func TestRespondErrorWithExtras(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondErrorWithExtras(rec, http.StatusPaymentRequired, "insufficient balance", map[string]interface{}{
		"currency": "JPY",
		"status":   999,
	})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "JPY", body["currency"])
	assert.EqualValues(t, http.StatusPaymentRequired, body["status"])
	assert.Equal(t, "Payment Required", body["title"])
	assert.Equal(t, "insufficient balance", body["detail"])
}

func TestUserIDContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, GetUserID(r))

	r = WithUserID(r, "user-1")
	assert.Equal(t, "user-1", GetUserID(r))
	assert.Equal(t, "user-1", UserID(r.Context()))
}
