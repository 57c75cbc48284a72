package credential

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIssuerResponse(t *testing.T) {
	ten, twenty := 10, 20

	tests := []struct {
		name    string
		body    string
		want    *IssuerResult
		wantErr error
	}{
		{"object", `{"token":"ghp_a"}`, &IssuerResult{Token: "ghp_a"}, nil},
		{"array wrapped", `[{"token":" ghp_b "}]`, &IssuerResult{Token: "ghp_b"}, nil},
		{"bounds", `{"token":"t","min":10,"max":20}`, &IssuerResult{Token: "t", Min: &ten, Max: &twenty}, nil},
		{"bound too large", `{"token":"t","min":501,"max":20}`, &IssuerResult{Token: "t", Max: &twenty}, nil},
		{"negative bound", `{"token":"t","min":-1}`, &IssuerResult{Token: "t"}, nil},
		{"fractional bound", `{"token":"t","max":10.5}`, &IssuerResult{Token: "t"}, nil},
		{"string bound", `{"token":"t","min":"10"}`, &IssuerResult{Token: "t"}, nil},
		{"empty token", `{"token":"   "}`, nil, ErrMalformedIssuerResponse},
		{"missing token", `{"min":10}`, nil, ErrMalformedIssuerResponse},
		{"numeric token", `{"token":42}`, nil, ErrMalformedIssuerResponse},
		{"empty array", `[]`, nil, ErrMalformedIssuerResponse},
		{"not json", `token=abc`, nil, ErrMalformedIssuerResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIssuerResponse([]byte(tt.body))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
