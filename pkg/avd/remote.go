package avd

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshConfig builds the client config used for virtual-device host checks.
func sshConfig(user, pass string) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(pass),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
}

// RunOnHost executes one command on a virtual-device host over SSH and
// returns its combined output.
func RunOnHost(host string, port int, user, pass, command string) (string, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client, err := ssh.Dial("tcp", addr, sshConfig(user, pass))
	if err != nil {
		return "", fmt.Errorf("avd: ssh %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("avd: ssh session %s: %w", addr, err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(command)
	if err != nil {
		return string(out), fmt.Errorf("avd: ssh %s: %q: %w", addr, command, err)
	}
	return string(out), nil
}

// WaitForHostSSH polls SSH connectivity to a virtual-device host.
// Returns nil when a login and command round-trip succeeds, or an error
// once the timeout is reached. Polls every 5 seconds.
func WaitForHostSSH(host string, port int, user, pass string, timeout time.Duration) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if _, err := RunOnHost(host, port, user, pass, "echo ready"); err == nil {
			return nil
		}
		time.Sleep(5 * time.Second)
	}

	return fmt.Errorf("avd: SSH timeout after %s for %s", timeout, addr)
}

// HostReachable does a single SSH round-trip check against a host.
func HostReachable(host string, port int, user, pass string) bool {
	_, err := RunOnHost(host, port, user, pass, "echo ready")
	return err == nil
}
