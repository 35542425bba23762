package memory

import (
	"log/slog"
	"testing"

	"github.com/coralmesh/e2ee/store"
	"github.com/coralmesh/e2ee/store/conformance"
)

func TestConformance(t *testing.T) {
	conformance.RunTests(t, func() store.Store {
		return New(slog.Default())
	})
}
