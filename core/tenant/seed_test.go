package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		grades []GradeSeed
	}{
		{
			name: "with streams",
			grades: []GradeSeed{
				{Name: "Grade 1", Fees: &TermFees{Term1: 500, Term2: 500, Term3: 500}, Streams: []string{"East", "West"}},
				{Name: "Grade 2", Fees: &TermFees{Term1: 700, Term2: 650, Term3: 600}, Streams: []string{"North"}},
			},
		},
		{
			name:   "empty streams",
			grades: []GradeSeed{{Name: "Grade 1", Fees: &TermFees{Term1: 500, Term2: 500, Term3: 500}, Streams: []string{}}},
		},
		{
			name:   "nothing",
			grades: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := EncodeSeed(tt.grades)
			require.NoError(t, err)

			got, err := DecodeSeed(payload)
			require.NoError(t, err)
			require.Len(t, got, len(tt.grades))
			for i, g := range got {
				assert.Equal(t, tt.grades[i].Name, g.Name)
				assert.Equal(t, tt.grades[i].Fees, g.Fees)
				assert.Equal(t, tt.grades[i].Streams, g.Streams)
			}
		})
	}
}

func TestStreamsSentinel(t *testing.T) {
	tests := []struct {
		name    string
		streams []string
		stored  string
	}{
		{name: "none", streams: []string{}, stored: "NON"},
		{name: "one", streams: []string{"East"}, stored: "East"},
		{name: "many", streams: []string{"East", "West", "Central"}, stored: "East,West,Central"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stored, EncodeStreams(tt.streams))
			assert.Equal(t, tt.streams, DecodeStreams(tt.stored))
		})
	}

	t.Run("nil encodes as sentinel", func(t *testing.T) {
		assert.Equal(t, "NON", EncodeStreams(nil))
	})
	t.Run("empty stored reads as no streams", func(t *testing.T) {
		assert.Equal(t, []string{}, DecodeStreams(""))
	})
}

func TestGradeSeedValidate(t *testing.T) {
	fees := &TermFees{Term1: 1, Term2: 2, Term3: 3}
	tests := []struct {
		name    string
		seed    GradeSeed
		wantErr bool
	}{
		{name: "ok", seed: GradeSeed{Name: "Grade 1", Fees: fees}},
		{name: "blank name", seed: GradeSeed{Name: "   ", Fees: fees}, wantErr: true},
		{name: "missing fees", seed: GradeSeed{Name: "Grade 1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.seed.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTermFeesTotal(t *testing.T) {
	assert.Equal(t, 1500, TermFees{Term1: 500, Term2: 500, Term3: 500}.Total())
	assert.Equal(t, 0, TermFees{}.Total())
}

func TestSanitizeSubdomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Greenwood", "greenwood"},
		{"  Green Wood Academy  ", "greenwoodacademy"},
		{"St. Mary's-Hill_School", "stmaryshillschool"},
		{"GREEN-WOOD", "greenwood"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeSubdomain(tt.in), "SanitizeSubdomain(%q)", tt.in)
	}
}
