package region_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/region"
)

func TestProvider_Valid(t *testing.T) {
	assert.True(t, region.AWS.Valid())
	assert.True(t, region.Azure.Valid())
	assert.True(t, region.GCP.Valid())
	assert.False(t, region.Provider("oracle").Valid())
	assert.False(t, region.Provider("").Valid())
}

func TestParse(t *testing.T) {
	scenarios := []struct {
		name    string
		tag     string
		want    region.Tag
		wantErr bool
	}{
		{"aws region", "aws:us-east-1", region.Tag{Provider: region.AWS, Subregion: "us-east-1"}, false},
		{"gcp region", "gcp:us-central1-a", region.Tag{Provider: region.GCP, Subregion: "us-central1-a"}, false},
		{"azure region with colon-free subregion", "azure:eastus", region.Tag{Provider: region.Azure, Subregion: "eastus"}, false},
		{"only the first colon splits", "aws:us-east-1:extra", region.Tag{Provider: region.AWS, Subregion: "us-east-1:extra"}, false},
		{"missing colon", "aws-us-east-1", region.Tag{}, true},
		{"empty provider", ":us-east-1", region.Tag{}, true},
		{"empty subregion", "aws:", region.Tag{}, true},
		{"unknown provider", "oracle:us-east-1", region.Tag{}, true},
		{"empty string", "", region.Tag{}, true},
	}

	for _, s := range scenarios {
		s := s
		t.Run(s.name, func(t *testing.T) {
			got, err := region.Parse(s.tag)
			if s.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, s.want, got)
		})
	}
}

func TestTag_String(t *testing.T) {
	tag := region.Tag{Provider: region.AWS, Subregion: "us-east-1"}
	assert.Equal(t, "aws:us-east-1", tag.String())
}

func TestMustParse(t *testing.T) {
	assert.Equal(t, region.Tag{Provider: region.GCP, Subregion: "us-west1"}, region.MustParse("gcp:us-west1"))
	assert.Panics(t, func() { region.MustParse("not-a-tag") })
}
