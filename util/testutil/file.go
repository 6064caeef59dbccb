package testutil

import (
	"os"
	"path"

	"github.com/digitalgoods/fulfillment-services/util"
)

func PathToTestData() string {
	return path.Join(util.ProjectRoot(), "testdata")
}

// PathToConfigDir returns the directory holding the .env.test settings
// file used by unit tests.
func PathToConfigDir() string {
	return path.Join(util.ProjectRoot(), "config")
}

// PathToProviderFixture returns the path to a canned provider response,
// e.g. PathToProviderFixture("mediafire", "get_session_token.xml").
func PathToProviderFixture(provider, filename string) string {
	return path.Join(PathToTestData(), provider, filename)
}

func ReadProviderFixture(provider, filename string) ([]byte, error) {
	return os.ReadFile(PathToProviderFixture(provider, filename))
}
