package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ordermaster/printbridge/pkg/models"
)

func TestParsePorts(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "9100", want: []int{9100}},
		{in: "9100, 631,80", want: []int{9100, 631, 80}},
		{in: "9100,,80", want: []int{9100, 80}},
		{in: "", wantErr: true},
		{in: "http", wantErr: true},
		{in: "70000", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parsePorts(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWriteScanResults(t *testing.T) {
	d := models.NewNetworkDevice("192.168.1.20", 9100, "")
	d.Model = "TM-T20"

	var buf bytes.Buffer
	require.NoError(t, writeScanResults(&buf, "yaml", []models.Device{d}))

	var rows []scanResult
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "192.168.1.20", rows[0].Address)
	assert.Equal(t, "TM-T20", rows[0].Model)

	buf.Reset()
	require.NoError(t, writeScanResults(&buf, "json", nil))
	assert.JSONEq(t, `[]`, buf.String())

	require.Error(t, writeScanResults(&buf, "xml", nil))
}
