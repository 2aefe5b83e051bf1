package gocondfetch

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		status          int
		body            string
		expectEnvelope  bool
		expectMalformed bool
		expectedServer  *ServerError
	}{
		{
			name:           "success",
			status:         http.StatusOK,
			body:           `{"success":true,"data":[1,2],"message":"ok"}`,
			expectEnvelope: true,
		},
		{
			name:           "success flag wins over error status",
			status:         http.StatusAccepted,
			body:           `{"success":true,"data":null,"message":"queued"}`,
			expectEnvelope: true,
		},
		{
			name:           "declared failure with numeric code",
			status:         http.StatusBadRequest,
			body:           `{"success":false,"message":"bad sku","code":400}`,
			expectEnvelope: true,
			expectedServer: &ServerError{Status: http.StatusBadRequest, Message: "bad sku", Code: "400"},
		},
		{
			name:           "declared failure without message",
			status:         http.StatusConflict,
			body:           `{"success":false}`,
			expectEnvelope: true,
			expectedServer: &ServerError{Status: http.StatusConflict, Message: "Conflict"},
		},
		{
			name:           "non json error",
			status:         http.StatusServiceUnavailable,
			body:           `maintenance`,
			expectedServer: &ServerError{Status: http.StatusServiceUnavailable, Message: "Service Unavailable"},
		},
		{
			name:            "json without success flag",
			status:          http.StatusOK,
			body:            `{"items":[]}`,
			expectMalformed: true,
		},
		{
			name:            "empty body",
			status:          http.StatusOK,
			body:            ``,
			expectMalformed: true,
		},
	}

	for _, tt := range tests {

		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env, err := classify(tt.status, []byte(tt.body))

			assert.Equal(t, tt.expectEnvelope, env != nil)
			if tt.expectMalformed {
				assert.ErrorIs(t, err, ErrMalformedResponse)
				return
			}
			if tt.expectedServer == nil {
				assert.NoError(t, err)
				return
			}

			se, ok := IsServerError(err)
			require.True(t, ok)
			assert.Equal(t, tt.expectedServer, se)
		})
	}
}

func TestParseEnvelopeNormalizes(t *testing.T) {
	t.Parallel()

	env, err := parseEnvelope([]byte(`{"success":true,"data":null,"meta":{"page":1},"timestamp":1700000000,"message":"ok"}`))
	require.NoError(t, err)

	assert.Nil(t, env.Data)
	assert.JSONEq(t, `{"page":1}`, string(env.Meta))
	assert.Equal(t, "1700000000", env.Timestamp)
	assert.Empty(t, env.Code)
}

func TestDecode(t *testing.T) {
	t.Parallel()

	v, err := Decode[[]int](&Response{Data: []byte(`[1,2,3]`)})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, v)

	v, err = Decode[[]int](nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = Decode[int](&Response{Data: []byte(`"x"`)})
	assert.Error(t, err)
}
