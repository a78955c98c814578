// Package appid resolves the application identity: an external
// .fulmen/app.yaml when one is found, the embedded copy otherwise.
package appid

import (
	"context"
	_ "embed"

	"github.com/fulmenhq/gofulmen/appidentity"
)

// Built-in names used when no identity document can be read at all.
const (
	DefaultBinaryName = "shardline"
	DefaultEnvPrefix  = "SHARDLINE_"
)

// embeddedYAML mirrors .fulmen/app.yaml so a standalone binary still has
// an identity.
//
//go:embed app.yaml
var embeddedYAML []byte

func init() {
	// FULMEN_APP_IDENTITY_PATH and explicit paths still take precedence.
	_ = appidentity.RegisterEmbeddedIdentityYAML(embeddedYAML)
}

// Get returns the identity gofulmen resolves.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// Resolve is Get for callers that must keep running without an identity.
func Resolve(ctx context.Context) *appidentity.Identity {
	identity, err := appidentity.Get(ctx)
	if err != nil || identity == nil {
		return Fallback()
	}
	return identity
}

// Fallback is the identity built from the default names.
func Fallback() *appidentity.Identity {
	return &appidentity.Identity{
		BinaryName: DefaultBinaryName,
		Vendor:     DefaultBinaryName,
		ConfigName: DefaultBinaryName,
		EnvPrefix:  DefaultEnvPrefix,
	}
}

// EmbeddedYAML returns the embedded identity document.
func EmbeddedYAML() []byte {
	return embeddedYAML
}
