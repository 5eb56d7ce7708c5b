// Package llmprovider constructs iris chat providers from configuration.
package llmprovider

import (
	"fmt"
	"strings"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"
)

// NewProvider instantiates a named provider from the iris registry.
func NewProvider(name, apiKey string) (iriscore.Provider, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("llmprovider: provider name is required")
	}
	provider, err := providers.Create(name, apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return provider, nil
}
