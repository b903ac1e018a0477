package app

import (
	"context"
	"strings"
	"testing"
)

func TestNewDBPool_BadURLNamesVariable(t *testing.T) {
	t.Parallel()

	_, err := NewDBPool(context.Background(), Config{DatabaseURL: "postgres://localhost/authd?pool_max_conns=lots"})
	if err == nil {
		t.Fatalf("expected error for unparsable pool_max_conns")
	}
	if !strings.Contains(err.Error(), "AUTHD_DATABASE_URL") {
		t.Fatalf("error should name the variable: %v", err)
	}
}
