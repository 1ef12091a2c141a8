package radar

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProduct(t *testing.T) {
	tests := []struct {
		in   string
		want Product
	}{
		{"0", Reflectivity},
		{"1", Velocity},
		{"2", CorrelationCoefficient},
		{"3", DifferentialReflectivity},
		{"cc", CorrelationCoefficient},
		{"Differential_Reflectivity", DifferentialReflectivity},
		{" velocity ", Velocity},
	}
	for _, tt := range tests {
		got, err := ParseProduct(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"4", "-1", "zdr2", ""} {
		_, err := ParseProduct(bad)
		assert.Error(t, err, bad)
	}
}

func TestChannelSets(t *testing.T) {
	assert.Len(t, Channels(false), 2)
	assert.Len(t, Channels(true), 4)
	assert.False(t, NeedsDualPol(LegacyChannels))
	assert.True(t, NeedsDualPol(DualPolChannels))
	assert.True(t, NeedsDualPol([]Product{DifferentialReflectivity}))

	for i, p := range Products {
		assert.Equal(t, i, p.Index())
	}
	assert.Equal(t, uint8(0b0011), Mask(LegacyChannels))
	assert.Equal(t, uint8(0b1111), Mask(DualPolChannels))
}

func TestFileNameRules(t *testing.T) {
	id := "KMOB20140630_110631_V06"

	assert.Equal(t, "20140630", GroupKey(id))
	assert.True(t, IsDualPol(id))
	assert.False(t, IsDualPol("KMOB20100630_110631_V03"))
	assert.False(t, IsDualPol("KMOB20100630_110631_V0x"))
	assert.False(t, IsDualPol(""))

	assert.Equal(t, filepath.Join("KMOB", "2014", "06", "30"), BasePath(id))
	assert.Equal(t,
		filepath.Join("root", "Velocity", "KMOB", "2014", "06", "30", "KMOB20140630_110631_V06_Velocity.png"),
		ImagePath("root", id, Velocity))
	assert.Equal(t, "KMOB20140630_110631_V06_Correlation_Coefficient.png", ImageFileName(id, CorrelationCoefficient))
	assert.Empty(t, BasePath("short"))
}

func TestParseSet(t *testing.T) {
	for _, s := range Sets {
		got, err := ParseSet(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseSet("training")
	require.NoError(t, err)
	assert.Equal(t, Training, got)

	_, err = ParseSet("holdout")
	assert.Error(t, err)
}
