package relay

import (
	"os"
	"testing"

	"github.com/ehrlich-b/relaywire/internal/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", ""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}
