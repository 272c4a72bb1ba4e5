package winbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/stage4/internal/errdefs"
	"github.com/cochaviz/stage4/internal/script"
)

const payloadLabel = "STAGE4_PAYLOAD"

// cleanupCommands run in the guest by Cleanup. They remove the logon hook so
// the final image boots without it.
var cleanupCommands = []string{
	`del /f /s /q "%TEMP%\*"`,
	`del /f /s /q "%SystemRoot%\Temp\*"`,
	fmt.Sprintf(`reg delete "%s" /v %s /f`, runKey, hookValue),
}

// checkPayloadScript rejects scripts the guest has no way to start.
func checkPayloadScript(sc script.Script) error {
	switch strings.ToLower(filepath.Ext(sc.ScriptName())) {
	case ".bat", ".cmd", ".exe", ".msi", ".reg":
		return nil
	default:
		return errdefs.Settingsf("%s: %q cannot be run by Windows", sc.Description(), sc.ScriptName())
	}
}

// invocation is the batch line that starts the entry point at guest path p.
func invocation(p string) string {
	quoted := `"%~d0\` + p + `"`
	switch strings.ToLower(filepath.Ext(p)) {
	case ".exe":
		return `start "" /wait ` + quoted
	case ".msi":
		return "msiexec /i " + quoted + " /qn /norestart"
	case ".reg":
		return "regedit /s " + quoted
	default:
		return "call " + quoted
	}
}

// stagePayload fills dir with one numbered directory per script and the
// batch file the logon hook runs. The batch file runs the scripts in order,
// then extra, then powers the guest off.
func stagePayload(dir string, scripts []script.Script, extra []string) error {
	lines := []string{"@echo off"}
	for i, sc := range scripts {
		sub := fmt.Sprintf("%02d", i+1)
		hostDir := filepath.Join(dir, sub)
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return err
		}
		if err := sc.FillScriptDir(hostDir); err != nil {
			return fmt.Errorf("stage %s: %w", sc.Description(), err)
		}
		entry := guestPath(sub + "/" + sc.ScriptName())
		lines = append(lines,
			"rem "+sc.Description(),
			`cd /d "%~d0\`+sub+`"`,
			invocation(entry),
		)
	}
	lines = append(lines, extra...)
	lines = append(lines, "shutdown -s -t 0")
	content := strings.Join(lines, "\r\n") + "\r\n"
	return os.WriteFile(filepath.Join(dir, payloadEntry), []byte(content), 0o644)
}

// buildPayloadISO writes the payload image for scripts to imagePath.
func buildPayloadISO(imagePath string, scripts []script.Script, extra []string) error {
	staging, err := os.MkdirTemp("", "stage4-payload-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	if err := stagePayload(staging, scripts, extra); err != nil {
		return err
	}
	return writeISO(staging, imagePath, payloadLabel)
}
