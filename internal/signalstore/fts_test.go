package signalstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

func TestBuildMatchQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"connection refused", `"connection" "refused"`},
		{"port:5432", `"port" "5432"`},
		{"  ./internal/app.go ", `"internal" "app" "go"`},
		{"build OR test", "build OR test"},
		{`"exact phrase"`, `"exact phrase"`},
		{"refus*", "refus*"},
		{"(a AND b)", "(a AND b)"},
		{"or and not", `"or" "and" "not"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := BuildMatchQuery(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildMatchQuery_Rejects(t *testing.T) {
	for _, in := range []string{"", "   ", "::--"} {
		_, err := BuildMatchQuery(in)
		assert.True(t, signal.IsValidation(err), "input %q", in)
	}
}
