package onvifsoap

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePasswordDigest_HashesRawNonceBytes(t *testing.T) {
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	created := "2024-01-01T00:00:00.000Z"
	password := "hunter2"

	got := computePasswordDigest(nonce, created, password)

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	want := base64.StdEncoding.EncodeToString(h.Sum(nil))

	assert.Equal(t, want, got)
}

func TestExtractFaultReason_AuthEquivalent(t *testing.T) {
	body := []byte(`<?xml version="1.0"?><soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><soap:Fault><soap:Reason><soap:Text>Sender not Authorized</soap:Text></soap:Reason></soap:Fault></soap:Body></soap:Envelope>`)
	reason, isFault := extractFaultReason(body)
	require.True(t, isFault)
	assert.True(t, isAuthFaultReason(reason))
}

func TestExtractFaultReason_NonAuthFault(t *testing.T) {
	body := []byte(`<?xml version="1.0"?><soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><soap:Fault><soap:Reason><soap:Text>Internal server error</soap:Text></soap:Reason></soap:Fault></soap:Body></soap:Envelope>`)
	reason, isFault := extractFaultReason(body)
	require.True(t, isFault)
	assert.False(t, isAuthFaultReason(reason))
}

// TestCall_CachesFirstSucceedingMethod exercises the auth-discovery loop end
// to end against a server that accepts every request, so the first method
// tried (MethodDigest, sent without an Authorization header because no
// challenge has been seen) wins, and confirms the method sticks on a second
// call (no re-discovery probing).
func TestCall_CachesFirstSucceedingMethod(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<?xml version="1.0"?><soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><ok/></soap:Body></soap:Envelope>`))
	}))
	defer srv.Close()

	host, portStr, _ := splitHostPort(srv.URL)
	c := New(host, portStr, "admin", "admin")

	_, err := c.Call(context.Background(), "/onvif/device_service", "GetDeviceInformation", "<GetDeviceInformation/>")
	require.NoError(t, err)

	established, ok := c.state.(establishedState)
	require.True(t, ok)
	assert.Equal(t, MethodDigest, established.method) // first method tried also succeeds unauthenticated here

	callsAfterFirst := calls
	_, err = c.Call(context.Background(), "/onvif/device_service", "GetDeviceInformation", "<GetDeviceInformation/>")
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst+1, calls) // no extra discovery round trips
}

func splitHostPort(url string) (string, int, error) {
	trimmed := strings.TrimPrefix(url, "http://")
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	return host, port, err
}
