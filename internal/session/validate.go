package session

import "fmt"

// Session names become directory names under ~/.connexa/sessions, so
// the accepted alphabet is deliberately narrow.
const maxNameLen = 64

// ValidateName rejects names that cannot safely name a session dir.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("invalid session name %q: must be 1-%d characters", name, maxNameLen)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("invalid session name %q: only lowercase letters, digits, - and _ are allowed", name)
		}
	}
	return nil
}
