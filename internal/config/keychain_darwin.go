//go:build darwin

package config

import "os/exec"

// keychainExec reads one secret from the macOS Keychain through the
// `security` CLI, matched by service and account.
func keychainExec(service, account string) ([]byte, error) {
	return exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
}
