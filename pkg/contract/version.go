package contract

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const versionLogPrefix = "contract:version"

// DefaultConstraint is the contract range this build of the bridge speaks.
const DefaultConstraint = "^1.0.0"

// CheckCompatible verifies that the contract version satisfies the given SemVer constraint.
// An empty constraint falls back to DefaultConstraint.
func (c *Contract) CheckCompatible(constraint string) error {
	if constraint == "" {
		constraint = DefaultConstraint
	}
	v, err := masterminds.NewVersion(c.version)
	if err != nil {
		return fmt.Errorf("%s - invalid contract version %q: %w", versionLogPrefix, c.version, err)
	}
	cons, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", versionLogPrefix, constraint, err)
	}
	if !cons.Check(v) {
		return fmt.Errorf("%s - contract %q version %s does not satisfy %s", versionLogPrefix, c.name, c.version, constraint)
	}
	return nil
}

// Major returns the major component of the contract version, or -1 if it does not parse.
func (c *Contract) Major() int {
	v, err := masterminds.NewVersion(c.version)
	if err != nil {
		return -1
	}
	return int(v.Major())
}
