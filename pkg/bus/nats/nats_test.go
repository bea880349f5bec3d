package nats

import (
	"context"
	"testing"
	"time"

	"github.com/billm/m2mipc/internal/config"
	"github.com/billm/m2mipc/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectsFor(t *testing.T) {
	tests := []struct {
		pattern string
		want    []string
	}{
		{"sbrick/1/rr/drive/12345", []string{"sbrick.1.rr.drive.12345"}},
		{"sbrick/+/sp/battery", []string{"sbrick.*.sp.battery"}},
		{"sbrick/1/rr/drive/#", []string{"sbrick.1.rr.drive.>", "sbrick.1.rr.drive"}},
		{"sbrick/+/#", []string{"sbrick.*.>", "sbrick.*"}},
		{"#", []string{">"}},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := subjectsFor(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubjectsForRejectsDottedSegments(t *testing.T) {
	_, err := subjectsFor("sbrick/v1.2/#")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = Subjects.Topic("/leading/slash")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestConnectOptions(t *testing.T) {
	cfg := config.DefaultBusConfig()
	assert.Len(t, connectOptions(cfg), 3)

	cfg.Username = "user"
	assert.Len(t, connectOptions(cfg), 4)

	assert.Equal(t, "m2mipc", clientName(config.BusConfig{}))
	assert.Equal(t, "brick", clientName(config.BusConfig{ClientID: "brick"}))
}

func TestDialUnreachableServer(t *testing.T) {
	cfg := config.DefaultBusConfig()
	cfg.Transport = config.TransportNATS
	cfg.URL = "nats://127.0.0.1:1"
	cfg.ConnectTimeout = 500 * time.Millisecond

	_, err := Dial(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
