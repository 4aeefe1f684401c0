//go:build !unix

package assemble

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
