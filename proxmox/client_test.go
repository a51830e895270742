// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxmox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_Success(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":"UPID:pve1:0001:start"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "argus@pve!ops", "s3cret")

	upid, err := client.Call(context.Background(), "start", "pve1", 101)

	require.NoError(t, err)
	assert.Equal(t, "UPID:pve1:0001:start", upid)
	assert.Equal(t, "/api2/json/nodes/pve1/qemu/101/status/start", gotPath)
	assert.Equal(t, "PVEAPIToken=argus@pve!ops=s3cret", gotAuth)
}

func TestCall_APIErrorCarriesStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("VM is locked"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "argus@pve!ops", "s3cret")

	_, err := client.Call(context.Background(), "stop", "pve1", 101)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "VM is locked")
}

func TestCall_ContextCancellationAbandonsCall(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(server.URL, "argus@pve!ops", "s3cret")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.Call(ctx, "reboot", "pve1", 101)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "expected context cancellation, got %v", err)
}

func TestCall_DeadlineExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(server.URL, "argus@pve!ops", "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "stop", "pve1", 101)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected deadline exceeded, got %v", err)
}

func TestCall_NonEnvelopeBodyPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "argus@pve!ops", "s3cret")

	out, err := client.Call(context.Background(), "start", "pve1", 101)

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
