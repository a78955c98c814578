package cmd

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/shardline/internal/output"
	"github.com/shardline/shardline/internal/rest"
)

func withRequestFlags(t *testing.T, body, bodyFile string) {
	t.Helper()
	prevBody, prevFile := requestBody, requestBodyFile
	requestBody, requestBodyFile = body, bodyFile
	t.Cleanup(func() { requestBody, requestBodyFile = prevBody, prevFile })
}

func TestRequestPayload(t *testing.T) {
	withRequestFlags(t, ` {"content":"hi"} `, "")
	payload, err := requestPayload(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hi"}`, string(payload))

	withRequestFlags(t, "", "-")
	payload, err = requestPayload(strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(payload))

	withRequestFlags(t, "", "")
	payload, err = requestPayload(nil)
	require.NoError(t, err)
	assert.Nil(t, payload)

	withRequestFlags(t, "{nope", "")
	_, err = requestPayload(nil)
	assert.Error(t, err)

	withRequestFlags(t, "{}", "body.json")
	_, err = requestPayload(nil)
	assert.Error(t, err)
}

func TestWriteResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResponse(&buf, &rest.Response{Status: http.StatusOK, Body: []byte(`{"id":"1"}`)}, output.FormatTable))
	assert.Equal(t, "{\n  \"id\": \"1\"\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, writeResponse(&buf, &rest.Response{Status: http.StatusOK, Body: []byte(`{"id":"1"}`)}, output.FormatJSON))
	assert.Equal(t, "{\"id\":\"1\"}\n", buf.String())

	buf.Reset()
	require.NoError(t, writeResponse(&buf, &rest.Response{Status: http.StatusNoContent}, output.FormatTable))
	assert.Equal(t, "204 (no content)\n", buf.String())
}
