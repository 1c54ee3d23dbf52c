package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cashpoint/internal/hmacauth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerDeliveryAndPIN(t *testing.T) {
	const secret = "kiosk-secret"
	coord := &fakeCoordinator{}
	a := newTestAgent(coord, &countingDispenser{outcome: Outcome{Success: true}})
	srv := httptest.NewServer(a.Handler(&hmacauth.Verifier{Secret: secret}))
	defer srv.Close()

	auth := testAuth()
	body, err := json.Marshal(auth)
	require.NoError(t, err)

	unsigned, err := http.Post(srv.URL+"/authorizations", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	unsigned.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, unsigned.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/authorizations", bytes.NewReader(body))
	require.NoError(t, err)
	hmacauth.SignRequest(req, secret, body, time.Now())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	pin := func(code string) (int, pinResponse) {
		b, _ := json.Marshal(pinRequest{WithdrawalID: auth.WithdrawalID.String(), PIN: code})
		resp, err := http.Post(srv.URL+"/pin", "application/json", bytes.NewReader(b))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out pinResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	status, _ := pin("999999")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out := pin(auth.PIN)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, out.Success)

	status, _ = pin(auth.PIN)
	assert.Equal(t, http.StatusForbidden, status)
}
