package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/guardian/k8s-scepclient/scep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/errgo.v2/fmt/errors"
)

func TestRequestURL(t *testing.T) {
	client := NewClient("https://ndes.example.com/", "", nil)
	require.Equal(t, "https://ndes.example.com/certsrv/mscep/?operation=GetCACaps", client.RequestURL(scep.OpGetCACaps, ""))

	client = NewClient("http://localhost:8080", "scep", nil)
	require.Equal(t, "http://localhost:8080/scep?message=ca+1&operation=GetCACert", client.RequestURL(scep.OpGetCACert, "ca 1"))
}

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/certsrv/mscep/", r.URL.Path)
		assert.Equal(t, "GetCACaps", r.URL.Query().Get("operation"))
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("POSTPKIOperation\nSHA-256\nAES\n"))
	}))
	defer server.Close()

	response, err := NewClient(server.URL, "", server.Client()).Get(context.Background(), scep.OpGetCACaps, "")
	require.NoError(t, err)
	require.Equal(t, "text/plain", response.ContentType)
	require.Contains(t, string(response.Body), "POSTPKIOperation")
}

func TestSendPKIMessage(t *testing.T) {
	payload := []byte{0x30, 0x82, 0x01, 0x00, 0xff, 0xfe}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PKIOperation", r.URL.Query().Get("operation"))
		var got []byte
		if r.Method == http.MethodPost {
			assert.Equal(t, PKIMessageContentType, r.Header.Get("Content-Type"))
			var err error
			got, err = io.ReadAll(r.Body)
			assert.NoError(t, err)
		} else {
			var err error
			got, err = base64.StdEncoding.DecodeString(r.URL.Query().Get("message"))
			assert.NoError(t, err)
		}
		w.Header().Set("Content-Type", PKIMessageContentType)
		w.Write(got)
	}))
	defer server.Close()
	client := NewClient(server.URL, "", server.Client())

	for _, usePost := range []bool{true, false} {
		response, err := client.SendPKIMessage(context.Background(), payload, usePost)
		require.NoError(t, err)
		require.Equal(t, payload, response.Body)
		require.Equal(t, PKIMessageContentType, response.ContentType)
	}
}

func TestServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	client := NewClient(server.URL, "", server.Client())

	_, err := client.Get(context.Background(), scep.OpGetCACert, "")
	require.Equal(t, ErrServer, errors.Cause(err))
	require.Contains(t, err.Error(), "403")

	server.Close()
	_, err = client.SendPKIMessage(context.Background(), []byte{1}, true)
	require.Equal(t, ErrTransport, errors.Cause(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewClient("http://127.0.0.1:1", "", nil).Get(ctx, scep.OpGetCACaps, "")
	require.Equal(t, ErrTransport, errors.Cause(err))
}

func TestResponseSizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		size := MaxResponseSize
		if r.URL.Query().Get("message") == "oversized" {
			size++
		}
		w.Header().Set("Content-Type", "application/x-x509-ca-ra-cert")
		w.Write(bytes.Repeat([]byte{0x30}, size))
	}))
	defer server.Close()
	client := NewClient(server.URL, "", server.Client())

	response, err := client.Get(context.Background(), scep.OpGetCACert, "")
	require.NoError(t, err)
	require.Len(t, response.Body, MaxResponseSize)

	_, err = client.Get(context.Background(), scep.OpGetCACert, "oversized")
	require.Equal(t, ErrServer, errors.Cause(err))
}
