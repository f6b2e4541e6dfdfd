package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestToJSON(t *testing.T) {
	t.Run("json passes through", func(t *testing.T) {
		out, err := toJSON([]byte(`{"cloudId":"abc","projectKey":"ENG"}`))
		require.NoError(t, err)
		require.JSONEq(t, `{"cloudId":"abc","projectKey":"ENG"}`, string(out))
	})

	t.Run("yaml converts", func(t *testing.T) {
		out, err := toJSON([]byte("organizationUrl: https://dev.azure.com/acme\nworkItemTypeMapping:\n  bug: Defect\n"))
		require.NoError(t, err)
		require.JSONEq(t, `{"organizationUrl":"https://dev.azure.com/acme","workItemTypeMapping":{"bug":"Defect"}}`, string(out))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := toJSON([]byte(""))
		require.Error(t, err)
	})
}

func TestReadSecret(t *testing.T) {
	token, err := readSecret(strings.NewReader("  pat-value \nignored\n"))
	require.NoError(t, err)
	require.Equal(t, "pat-value", token)
}

func TestPATAdd(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/connections/pat", r.URL.Path)
		require.Equal(t, "Bearer identity", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"connection_id": uuid.Nil.String(),
			"provider":      "jira",
			"display_name":  "Jira",
		})
	}))
	defer ts.Close()

	var out bytes.Buffer
	globals := &Globals{Server: ts.URL, Token: "identity", stdin: strings.NewReader("secret-pat\n"), stdout: &out}

	cmd := &PATAddCmd{Provider: "jira"}
	require.NoError(t, cmd.Run(context.Background(), globals))
	require.Equal(t, "secret-pat", got["token"])
	require.Contains(t, out.String(), "Registered jira connection")
	require.NotContains(t, out.String(), "secret-pat")
}

func TestCommandsRequireToken(t *testing.T) {
	err := (&ConnectionsListCmd{}).Run(context.Background(), &Globals{Server: "http://127.0.0.1:0"})
	require.ErrorContains(t, err, "identity token is required")
}
