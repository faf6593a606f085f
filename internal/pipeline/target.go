package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// Target identifies one repository on the hosting service.
type Target struct {
	Owner string
	Name  string
}

var (
	urlTargetRe    = regexp.MustCompile(`^https?://github\.com/([^/\s]+)/([^/\s]+?)(?:\.git)?/?$`)
	simpleTargetRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)/([A-Za-z0-9._-]+)$`)
)

// ParseTarget parses "owner/name" or "https://github.com/owner/name".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if m := urlTargetRe.FindStringSubmatch(s); m != nil {
		return Target{Owner: m[1], Name: m[2]}, nil
	}
	if m := simpleTargetRe.FindStringSubmatch(s); m != nil {
		return Target{Owner: m[1], Name: strings.TrimSuffix(m[2], ".git")}, nil
	}
	return Target{}, fmt.Errorf("%q is not an owner/name repository", s)
}

// MustParseTarget is ParseTarget for literals known to be valid.
func MustParseTarget(s string) Target {
	t, err := ParseTarget(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Target) String() string {
	return t.Owner + "/" + t.Name
}

// SSHURL returns the clone URL for the ssh transport.
func (t Target) SSHURL() string {
	return fmt.Sprintf("git@github.com:%s/%s.git", t.Owner, t.Name)
}

// HTTPSURL returns the clone URL for the https transport.
func (t Target) HTTPSURL() string {
	return fmt.Sprintf("https://github.com/%s/%s.git", t.Owner, t.Name)
}
