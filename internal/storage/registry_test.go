package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"filesystem", "filesystem", DriverFilesystem, false},
		{"s3", "s3", DriverS3, false},
		{"direct", "s3-direct", DriverS3Direct, false},
		{"case and spaces", "  S3 ", DriverS3, false},
		{"unknown", "ftp", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := Lookup(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownDriver)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, reg.Name)
		})
	}
}

func TestRegistration_Resolve(t *testing.T) {
	reg, err := Lookup(DriverS3Direct)
	require.NoError(t, err)

	env := map[string]string{
		KeyS3Bucket:   "uploads",
		KeyS3Endpoint: "", // empty keeps the default
		"UNRELATED":   "ignored",
	}
	p := reg.Resolve(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	assert.Equal(t, "uploads", p.Get(KeyS3Bucket))
	assert.Equal(t, "localhost:9000", p.Get(KeyS3Endpoint))
	assert.Equal(t, "60s", p.Get(KeyS3PresignTTL))
	assert.False(t, p.Bool(KeyS3UseSSL))
	assert.Empty(t, p.Get("UNRELATED"))
	assert.Contains(t, p.Keys(), KeyS3PresignTTL)

	// Resolving must not leak into the registered defaults.
	assert.Equal(t, "file-transfer", reg.Defaults[KeyS3Bucket])
}

func TestNewParams_Copies(t *testing.T) {
	src := map[string]string{"A": "1"}
	p := NewParams(src)
	src["A"] = "2"
	assert.Equal(t, "1", p.Get("A"))
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{DriverFilesystem, DriverS3, DriverS3Direct}, Names())
}
