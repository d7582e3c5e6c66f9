package protocol

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const versionLogPrefix = "protocol:version"

// Version is the protocol version spoken by this build. Clients send it as
// versionCliente on LOGIN.
const Version = "1.0.0"

// DefaultClientConstraint accepts every 1.x client.
const DefaultClientConstraint = ">= 1.0.0, < 2.0.0"

// CheckClientVersion reports whether version satisfies constraint. An empty
// version or constraint is accepted so older clients that never sent one keep
// working.
func CheckClientVersion(version, constraint string) error {
	if version == "" || constraint == "" {
		return nil
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s - invalid version constraint %q: %w", versionLogPrefix, constraint, err)
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return fmt.Errorf("versión de cliente inválida: %s", version)
	}
	if !c.Check(v) {
		return fmt.Errorf("versión de cliente %s no compatible (se requiere %s)", version, constraint)
	}
	return nil
}
