package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc123 ,authorization=Basic%20dXNlcg%3D%3D,broken,=nokey,bad=%zz")
	require.Equal(t, map[string]string{
		"api-key":       "abc123",
		"authorization": "Basic dXNlcg==",
	}, got)
	require.Empty(t, ParseHeaders(""))
}

func TestParseSampleRatio(t *testing.T) {
	require.Equal(t, 0.25, ParseSampleRatio("0.25"))
	require.Equal(t, float64(1), ParseSampleRatio(""))
	require.Equal(t, float64(1), ParseSampleRatio("-3"))
}

func TestSamplerDescription(t *testing.T) {
	require.Contains(t, Sampler(0).Description(), "AlwaysOnSampler")
	require.Contains(t, Sampler(0.5).Description(), "TraceIDRatioBased{0.5}")
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}
