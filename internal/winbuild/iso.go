package winbuild

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

const (
	isoDirectoryIdentifierMaxLength = 31
	isoFileIdentifierMaxLength      = 30
)

// isoCharacters is the D-string character set used by the ISO writer.
const isoCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// guestPath converts a slash separated path relative to the root of a
// generated ISO into the backslash path the guest sees after name mangling.
func guestPath(rel string) string {
	var segments []string
	for _, s := range strings.Split(rel, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	for i, s := range segments {
		if i == len(segments)-1 {
			segments[i] = strings.TrimSuffix(mangleFileName(s), ";1")
			continue
		}
		segments[i] = mangleDString(s, isoDirectoryIdentifierMaxLength)
	}
	return strings.ReplaceAll(path.Join(segments...), "/", `\`)
}

func mangleFileName(input string) string {
	input = strings.ToLower(input)
	parts := strings.Split(input, ".")

	version := "1"
	filename := parts[0]
	extension := ""
	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = parts[len(parts)-1]
	}
	extension = mangleDString(extension, 8)

	maxFilenameLen := isoFileIdentifierMaxLength - (1 + len(version))
	if extension != "" {
		maxFilenameLen -= 1 + len(extension)
	}
	filename = mangleDString(filename, maxFilenameLen)

	if extension != "" {
		return filename + "." + extension + ";" + version
	}
	return filename + ";" + version
}

func mangleDString(input string, maxLen int) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		c := rune(input[i])
		if strings.ContainsRune(isoCharacters, c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// writeISO packs sourceDir into an ISO image at imagePath.
func writeISO(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}
