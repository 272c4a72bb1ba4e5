package script

import (
	"context"
	"fmt"
	"strings"

	"github.com/cochaviz/stage4/internal/shell"
)

var cryptPrefixes = []string{"$2b$", "$6$", "$5$", "$y$"}

// PasswordIsCrypted reports whether s already is a crypt(3) hash.
func PasswordIsCrypted(s string) bool {
	for _, prefix := range cryptPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// HashPassword returns a SHA-512 crypt hash of password computed by the
// host's openssl.
func HashPassword(ctx context.Context, runner shell.Runner, password string) (string, error) {
	out, err := runner.Call(ctx, shell.Command{
		Path: "/bin/sh",
		Args: []string{"-c", "printf '%s' \"$STAGE4_PASSWORD\" | openssl passwd -6 -stdin"},
		Env:  []string{"PATH=/bin:/usr/bin:/sbin:/usr/sbin", "STAGE4_PASSWORD=" + password},
	})
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	hash := strings.TrimSpace(out)
	if !PasswordIsCrypted(hash) {
		return "", fmt.Errorf("hash password: unexpected openssl output")
	}
	return hash, nil
}

// SetRootPassword edits /etc/shadow directly so the distribution's password
// complexity checks do not apply.
func SetRootPassword(hash string) *FromBuffer {
	if !PasswordIsCrypted(hash) {
		panic("script: root password must be a crypt hash")
	}
	return NewFromBuffer("Set root's password", fmt.Sprintf("#!/bin/sh\nsed -i 's#^root:[^:]*:#root:%s:#' /etc/shadow\n", hash))
}

// AddSetRootPassword appends the root password script to list. Adding it
// twice is a caller error.
func AddSetRootPassword(list []Script, hash string) []Script {
	s := SetRootPassword(hash)
	if Contains(list, s) {
		panic("script: root password is already set by another script")
	}
	return append(list, s)
}
