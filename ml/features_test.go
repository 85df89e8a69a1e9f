package ml

import (
	"testing"

	"watchpost/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkFeatureExtractor_Extract(t *testing.T) {
	tests := []struct {
		name    string
		fields  core.Fields
		want    []float64
		wantErr error
	}{
		{
			name:   "complete event",
			fields: core.Fields{"src_ip": "1.2.3.4", "dst_ip": "10.0.0.1", "dst_port": 22, "success": true},
			want:   []float64{7, 8, 22, 1},
		},
		{
			name:   "string values",
			fields: core.Fields{"src_ip": "1.2.3.4", "dst_ip": "10.0.0.1", "dst_port": "0443", "success": "false"},
			want:   []float64{7, 8, 443, 0},
		},
		{
			name:   "optional fields absent",
			fields: core.Fields{"src_ip": "203.0.113.9"},
			want:   []float64{11, 0, 0, 0},
		},
		{
			name:    "missing source ip",
			fields:  core.Fields{"dst_ip": "10.0.0.1", "dst_port": 22},
			wantErr: core.ErrFieldMissing,
		},
		{
			name:    "malformed port",
			fields:  core.Fields{"src_ip": "1.2.3.4", "dst_port": "ssh"},
			wantErr: core.ErrFieldMalformed,
		},
		{
			name:    "port out of range",
			fields:  core.Fields{"src_ip": "1.2.3.4", "dst_port": 70000},
			wantErr: core.ErrFieldMalformed,
		},
		{
			name:    "malformed success flag",
			fields:  core.Fields{"src_ip": "1.2.3.4", "success": "maybe"},
			wantErr: core.ErrFieldMalformed,
		},
	}

	extractor := NetworkFeatureExtractor{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vec, err := extractor.Extract(core.Event{EventID: "e", Fields: tt.fields})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, vec)
			assert.Len(t, vec, len(extractor.Names()))
		})
	}
}
