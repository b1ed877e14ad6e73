package approval

import "regexp"

// dangerousPatterns matches operations with destructive or irreversible
// system effects: recursive filesystem deletion, disk formatting and raw
// device writes, privilege escalation, and piping remote code into a shell.
var dangerousPatterns = []*regexp.Regexp{
	// Destructive filesystem operations
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`),
	regexp.MustCompile(`\bshred\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\bmv\s+\S+\s+/dev/null`),

	// Disk formatting and raw writes
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bfdisk\b`),
	regexp.MustCompile(`\bparted\b`),

	// Privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+(-\s*)?root\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/`),
	regexp.MustCompile(`\bchown\s+(-[a-zA-Z]+\s+)*root\b`),

	// Remote code piped into a shell
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(ba|z|da)?sh\b`),
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*sudo\b`),

	// Fork bomb
	regexp.MustCompile(`:\(\)\s*\{.*:\|:`),

	// Kernel and system state
	regexp.MustCompile(`\bsysctl\s+-w\b`),
	regexp.MustCompile(`>\s*/proc/`),
}

// IsDangerous classifies a literal command string against the
// dangerous-operation heuristics.
func IsDangerous(command string) bool {
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
