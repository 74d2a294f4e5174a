package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerkledrop_Service_HTTPSnapshotSource(t *testing.T) {
	t.Parallel()

	t.Run("parses a well-formed snapshot", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{
				"holders": [
					{"address": "0x0a00000000000000000000000000000000000000", "balance": "100000000"},
					{"address": "0x0b00000000000000000000000000000000000000", "balance": "200000000"}
				],
				"excluded": ["0x0c00000000000000000000000000000000000000"],
				"currentRatio": "1.5",
				"totalSupply": "300000000",
				"collateralValue": "450000000"
			}`))
		}))
		defer srv.Close()

		source, err := NewHTTPSnapshotSource(HTTPSnapshotSourceConfig{URL: srv.URL})
		require.NoError(t, err)

		snap, err := source.Snapshot(context.Background())
		require.NoError(t, err)
		require.Len(t, snap.Holders, 2)
		require.EqualValues(t, 100_000_000, snap.Holders[0].Balance.Int64())
		require.Len(t, snap.Excluded, 1)
		require.Equal(t, "3/2", snap.CurrentRatio.String())
		require.EqualValues(t, 300_000_000, snap.TotalSupply.Int64())
	})

	t.Run("non-200 responses fail", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		source, err := NewHTTPSnapshotSource(HTTPSnapshotSourceConfig{URL: srv.URL})
		require.NoError(t, err)

		_, err = source.Snapshot(context.Background())
		require.ErrorContains(t, err, "status 502")
	})

	t.Run("bad balances fail", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{
				"holders": [{"address": "0x0a00000000000000000000000000000000000000", "balance": "1e9"}],
				"currentRatio": "1.5",
				"totalSupply": "1",
				"collateralValue": "1"
			}`))
		}))
		defer srv.Close()

		source, err := NewHTTPSnapshotSource(HTTPSnapshotSourceConfig{URL: srv.URL})
		require.NoError(t, err)

		_, err = source.Snapshot(context.Background())
		require.ErrorContains(t, err, "invalid balance")
	})
}
